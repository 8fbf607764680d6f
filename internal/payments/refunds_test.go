package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_CreateRefund(t *testing.T) {
	t.Parallel()

	t.Run("posts the refund with bearer auth", func(t *testing.T) {
		t.Parallel()

		var got refundRequest
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/refunds", r.URL.Path)
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk-test", zap.NewNop())
		err := client.CreateRefund(context.Background(), "pi-1", 500)
		require.NoError(t, err)

		require.Equal(t, "Bearer sk-test", auth)
		require.Equal(t, "pi-1", got.PaymentIntentID)
		require.Equal(t, 500, got.Amount)
	})

	t.Run("provider error surfaces with status and body", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "sk-test", zap.NewNop())
		err := client.CreateRefund(context.Background(), "pi-1", 500)
		require.Error(t, err)
		require.Contains(t, err.Error(), "402")
		require.Contains(t, err.Error(), "insufficient funds")
	})
}
