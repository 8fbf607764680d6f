package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps collects the services the HTTP surface exposes.
type RouterDeps struct {
	Holds interface {
		HoldCreator
		HoldGetter
	}
	Allocations AllocationLister
	Events      EventProcessor
	Inventory   AdminInventoryService
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter wires the HTTP routes with logging and CORS middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(deps.Logger))
	r.Use(CORS(deps.CORSOrigins))

	r.Post("/holds", HandleCreateHold(deps.Holds))
	r.Get("/holds/{holdID}", HandleGetHold(deps.Holds, func(req *http.Request) string {
		return chi.URLParam(req, "holdID")
	}))
	r.Get("/allocations", HandleAllocations(deps.Allocations))
	r.Post("/webhooks/payment", HandleWebhook(deps.Events))
	r.Get("/admin/inventory", HandleAdminInventory(deps.Inventory))
	r.Put("/admin/inventory", HandleAdminInventory(deps.Inventory))
	r.Patch("/admin/inventory", HandleAdminInventory(deps.Inventory))
	r.Get("/health", HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	return r
}
