// Package memory provides a mutex-guarded implementation of the storage
// contracts. It backs unit tests and is the documented fallback when no
// Postgres instance is available. WithTx snapshots the store before running
// fn and restores it when fn fails, so multi-step transactions are
// all-or-nothing like their Postgres counterparts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PeterCowling/base-shop-sub075/internal/domain"
)

type itemKey struct {
	shopID, sku, variantKey string
}

type Store struct {
	mu     sync.Mutex
	items  map[itemKey]*domain.InventoryItem
	holds  map[string]*domain.Hold
	orders map[string]*domain.Order
	events map[string]*domain.WebhookEvent
	outbox []domain.OutboxEvent
}

func NewStore() *Store {
	return &Store{
		items:  make(map[itemKey]*domain.InventoryItem),
		holds:  make(map[string]*domain.Hold),
		orders: make(map[string]*domain.Order),
		events: make(map[string]*domain.WebhookEvent),
	}
}

type lockKey struct{}

// WithTx serializes fn against all other store access and rolls the store
// back to its pre-fn state when fn returns an error. Nested calls through
// the returned context reuse the held lock and roll back with the outermost
// transaction, mirroring the tx-in-context pattern of the Postgres layer.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if locked(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, lockKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	items  map[itemKey]*domain.InventoryItem
	holds  map[string]*domain.Hold
	orders map[string]*domain.Order
	events map[string]*domain.WebhookEvent
	outbox []domain.OutboxEvent
}

// snapshot copies every entity. Mutators assign fresh pointers for nullable
// fields, so struct-level copies are deep enough to survive a rollback.
func (s *Store) snapshot() snapshot {
	snap := snapshot{
		items:  make(map[itemKey]*domain.InventoryItem, len(s.items)),
		holds:  make(map[string]*domain.Hold, len(s.holds)),
		orders: make(map[string]*domain.Order, len(s.orders)),
		events: make(map[string]*domain.WebhookEvent, len(s.events)),
		outbox: make([]domain.OutboxEvent, len(s.outbox)),
	}
	for k, item := range s.items {
		dup := copyItem(*item)
		snap.items[k] = &dup
	}
	for k, hold := range s.holds {
		dup := copyHold(*hold)
		snap.holds[k] = &dup
	}
	for k, order := range s.orders {
		dup := *order
		snap.orders[k] = &dup
	}
	for k, ev := range s.events {
		dup := *ev
		snap.events[k] = &dup
	}
	copy(snap.outbox, s.outbox)
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.items = snap.items
	s.holds = snap.holds
	s.orders = snap.orders
	s.events = snap.events
	s.outbox = snap.outbox
}

func locked(ctx context.Context) bool {
	held, _ := ctx.Value(lockKey{}).(bool)
	return held
}

func (s *Store) lock(ctx context.Context) func() {
	if locked(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// --- inventory ---

func (s *Store) GetItem(ctx context.Context, shopID, sku, variantKey string) (domain.InventoryItem, error) {
	defer s.lock(ctx)()
	item, ok := s.items[itemKey{shopID, sku, variantKey}]
	if !ok {
		return domain.InventoryItem{}, domain.ErrItemNotFound
	}
	return copyItem(*item), nil
}

func (s *Store) ListItems(ctx context.Context, shopID string) ([]domain.InventoryItem, error) {
	defer s.lock(ctx)()
	var items []domain.InventoryItem
	for _, item := range s.items {
		if item.ShopID == shopID {
			items = append(items, copyItem(*item))
		}
	}
	return items, nil
}

func (s *Store) UpsertItem(ctx context.Context, item domain.InventoryItem) error {
	defer s.lock(ctx)()
	if item.Quantity < 0 {
		return domain.ErrInvalidQuantity
	}
	stored := copyItem(item)
	s.items[itemKey{item.ShopID, item.SKU, item.VariantKey}] = &stored
	return nil
}

func (s *Store) AdjustQuantity(ctx context.Context, shopID, sku, variantKey string, delta int) (domain.InventoryItem, error) {
	defer s.lock(ctx)()
	item, ok := s.items[itemKey{shopID, sku, variantKey}]
	if !ok {
		return domain.InventoryItem{}, domain.ErrItemNotFound
	}
	if item.Quantity+delta < 0 {
		return domain.InventoryItem{}, domain.ErrInvalidQuantity
	}
	item.Quantity += delta
	return copyItem(*item), nil
}

func (s *Store) ReserveLines(ctx context.Context, shopID string, lines []domain.HoldLine) error {
	defer s.lock(ctx)()
	// Validate every line before decrementing any of them.
	for _, line := range lines {
		item, ok := s.items[itemKey{shopID, line.SKU, line.VariantKey}]
		if !ok {
			return domain.ErrItemNotFound
		}
		if item.Quantity < line.Quantity {
			return domain.ErrInsufficientStock
		}
	}
	for _, line := range lines {
		s.items[itemKey{shopID, line.SKU, line.VariantKey}].Quantity -= line.Quantity
	}
	return nil
}

func (s *Store) RestoreLines(ctx context.Context, shopID string, lines []domain.HoldLine) error {
	defer s.lock(ctx)()
	for _, line := range lines {
		if _, ok := s.items[itemKey{shopID, line.SKU, line.VariantKey}]; !ok {
			return domain.ErrItemNotFound
		}
	}
	for _, line := range lines {
		s.items[itemKey{shopID, line.SKU, line.VariantKey}].Quantity += line.Quantity
	}
	return nil
}

// --- holds ---

func (s *Store) CreateHold(ctx context.Context, hold domain.Hold) error {
	defer s.lock(ctx)()
	stored := copyHold(hold)
	s.holds[hold.ID] = &stored
	return nil
}

func (s *Store) GetHold(ctx context.Context, shopID, holdID string) (domain.Hold, error) {
	defer s.lock(ctx)()
	hold, ok := s.holds[holdID]
	if !ok || hold.ShopID != shopID {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return copyHold(*hold), nil
}

func (s *Store) GetHoldLines(ctx context.Context, holdID string) ([]domain.HoldLine, error) {
	defer s.lock(ctx)()
	hold, ok := s.holds[holdID]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return copyLines(hold.Lines), nil
}

func (s *Store) MarkCommitted(ctx context.Context, shopID, holdID, orderRef string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	hold, ok := s.holds[holdID]
	if !ok || hold.ShopID != shopID || hold.Status != domain.HoldStatusActive {
		return false, nil
	}
	committedAt := at
	hold.Status = domain.HoldStatusCommitted
	hold.CommittedAt = &committedAt
	hold.OrderRef = orderRef
	return true, nil
}

func (s *Store) MarkReleased(ctx context.Context, shopID, holdID, reason string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	hold, ok := s.holds[holdID]
	if !ok || hold.ShopID != shopID || hold.Status != domain.HoldStatusActive {
		return false, nil
	}
	releasedAt := at
	hold.Status = domain.HoldStatusReleased
	hold.ReleasedAt = &releasedAt
	hold.ReleaseReason = reason
	return true, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	defer s.lock(ctx)()
	var holds []domain.Hold
	for _, hold := range s.holds {
		if len(holds) == limit {
			break
		}
		if hold.Status == domain.HoldStatusActive && !hold.ExpiresAt.After(now) {
			holds = append(holds, copyHold(*hold))
		}
	}
	return holds, nil
}

func (s *Store) AllocationsForShop(ctx context.Context, shopID string) ([]domain.Allocation, error) {
	defer s.lock(ctx)()
	totals := make(map[itemKey]int)
	for _, hold := range s.holds {
		if hold.ShopID != shopID {
			continue
		}
		if hold.Status != domain.HoldStatusActive && hold.Status != domain.HoldStatusCommitted {
			continue
		}
		for _, line := range hold.Lines {
			totals[itemKey{shopID, line.SKU, line.VariantKey}] += line.Quantity
		}
	}

	var allocs []domain.Allocation
	for key, qty := range totals {
		allocs = append(allocs, domain.Allocation{
			SKU:               key.sku,
			VariantKey:        key.variantKey,
			AllocatedQuantity: qty,
		})
	}
	sortAllocations(allocs)
	return allocs, nil
}

// --- orders ---

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) error {
	defer s.lock(ctx)()
	for _, existing := range s.orders {
		if existing.HoldID == order.HoldID {
			return domain.ErrOrderExists
		}
		if existing.ShopID == order.ShopID && existing.SessionID == order.SessionID {
			return domain.ErrOrderExists
		}
	}
	stored := order
	s.orders[order.ID] = &stored
	return nil
}

func (s *Store) GetOrderByHoldID(ctx context.Context, holdID string) (*domain.Order, error) {
	defer s.lock(ctx)()
	for _, order := range s.orders {
		if order.HoldID == holdID {
			o := *order
			return &o, nil
		}
	}
	return nil, nil
}

func (s *Store) GetOrderByPaymentIntent(ctx context.Context, shopID, paymentIntentID string) (*domain.Order, error) {
	defer s.lock(ctx)()
	for _, order := range s.orders {
		if order.ShopID == shopID && order.PaymentIntentID == paymentIntentID {
			o := *order
			return &o, nil
		}
	}
	return nil, nil
}

func (s *Store) GetOrderBySession(ctx context.Context, shopID, sessionID string) (*domain.Order, error) {
	defer s.lock(ctx)()
	for _, order := range s.orders {
		if order.ShopID == shopID && order.SessionID == sessionID {
			o := *order
			return &o, nil
		}
	}
	return nil, nil
}

func (s *Store) MarkRefunded(ctx context.Context, shopID, orderID string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	order, ok := s.orders[orderID]
	if !ok || order.ShopID != shopID || order.RefundedAt != nil {
		return false, nil
	}
	refundedAt := at
	order.RefundedAt = &refundedAt
	return true, nil
}

// --- webhook event ledger ---

func (s *Store) ClaimEvent(ctx context.Context, ev domain.WebhookEvent, now time.Time) (bool, *domain.WebhookEvent, error) {
	defer s.lock(ctx)()
	existing, ok := s.events[ev.ID]
	if !ok {
		stored := ev
		stored.Status = domain.WebhookStatusProcessing
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.events[ev.ID] = &stored
		return true, nil, nil
	}
	if existing.Status == domain.WebhookStatusFailed {
		existing.Status = domain.WebhookStatusProcessing
		existing.UpdatedAt = now
		return true, nil, nil
	}
	dup := *existing
	return false, &dup, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	defer s.lock(ctx)()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	dup := *ev
	return &dup, nil
}

func (s *Store) MarkProcessed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error {
	return s.finishEvent(ctx, eventID, domain.WebhookStatusProcessed, outcome, now)
}

func (s *Store) MarkFailed(ctx context.Context, eventID string, outcome domain.EventOutcome, now time.Time) error {
	return s.finishEvent(ctx, eventID, domain.WebhookStatusFailed, outcome, now)
}

func (s *Store) finishEvent(ctx context.Context, eventID string, status domain.WebhookEventStatus, outcome domain.EventOutcome, now time.Time) error {
	defer s.lock(ctx)()
	ev, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("finish event %s: not found", eventID)
	}
	ev.Status = status
	ev.Outcome = outcome
	ev.UpdatedAt = now
	return nil
}

// --- outbox ---

func (s *Store) InsertEvent(ctx context.Context, ev domain.OutboxEvent) error {
	defer s.lock(ctx)()
	s.outbox = append(s.outbox, ev)
	return nil
}

func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	defer s.lock(ctx)()
	var events []domain.OutboxEvent
	for _, ev := range s.outbox {
		if len(events) == limit {
			break
		}
		events = append(events, ev)
	}
	return events, nil
}

// OutboxEvents returns everything staged so far; test helper.
func (s *Store) OutboxEvents() []domain.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func copyItem(item domain.InventoryItem) domain.InventoryItem {
	out := item
	out.VariantAttributes = copyAttrs(item.VariantAttributes)
	return out
}

func copyHold(hold domain.Hold) domain.Hold {
	out := hold
	out.Lines = copyLines(hold.Lines)
	return out
}

func copyLines(lines []domain.HoldLine) []domain.HoldLine {
	out := make([]domain.HoldLine, len(lines))
	for i, line := range lines {
		out[i] = line
		out[i].VariantAttributes = copyAttrs(line.VariantAttributes)
	}
	return out
}

func copyAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func sortAllocations(allocs []domain.Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		if allocs[i].SKU != allocs[j].SKU {
			return allocs[i].SKU < allocs[j].SKU
		}
		return allocs[i].VariantKey < allocs[j].VariantKey
	})
}
