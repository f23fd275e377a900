// Package memory is an in-process document store. Units of work are
// serialised by one mutex and rolled back from a snapshot on error, giving the
// same all-or-nothing behaviour as the PostgreSQL repositories. Nested units
// of work join the outer one through the context.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/creditmemo"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/party"
	"github.com/odyssey-erp/tradebook/internal/purchasing"
	"github.com/odyssey-erp/tradebook/internal/sales"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/shipment"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

type txKey struct{}

type state struct {
	seq          int64
	products     map[uuid.UUID]stock.Product
	movements    []stock.Movement
	entries      []ledger.Entry
	profiles     map[ledger.Party]party.Profile
	purchases    map[uuid.UUID]purchasing.PurchaseOrder
	memos        map[uuid.UUID]creditmemo.CreditMemo
	shipments    map[uuid.UUID]shipment.Shipment
	sales        map[uuid.UUID]sales.Sale
	saleKeys     map[string]uuid.UUID
	onlineOrders map[uuid.UUID]sales.Order
	idempotency  map[string]time.Time
	audit        []shared.AuditLog
}

func newState() *state {
	return &state{
		products:     make(map[uuid.UUID]stock.Product),
		profiles:     make(map[ledger.Party]party.Profile),
		purchases:    make(map[uuid.UUID]purchasing.PurchaseOrder),
		memos:        make(map[uuid.UUID]creditmemo.CreditMemo),
		shipments:    make(map[uuid.UUID]shipment.Shipment),
		sales:        make(map[uuid.UUID]sales.Sale),
		saleKeys:     make(map[string]uuid.UUID),
		onlineOrders: make(map[uuid.UUID]sales.Order),
		idempotency:  make(map[string]time.Time),
	}
}

// clone copies every collection. Stored values are replaced, never mutated in
// place, so copying the containers is enough.
func (st *state) clone() *state {
	return &state{
		seq:          st.seq,
		products:     maps.Clone(st.products),
		movements:    slices.Clone(st.movements),
		entries:      slices.Clone(st.entries),
		profiles:     maps.Clone(st.profiles),
		purchases:    maps.Clone(st.purchases),
		memos:        maps.Clone(st.memos),
		shipments:    maps.Clone(st.shipments),
		sales:        maps.Clone(st.sales),
		saleKeys:     maps.Clone(st.saleKeys),
		onlineOrders: maps.Clone(st.onlineOrders),
		idempotency:  maps.Clone(st.idempotency),
		audit:        slices.Clone(st.audit),
	}
}

func (st *state) next() int64 {
	st.seq++
	return st.seq
}

// Store holds every collection of the engine.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// within runs fn as one unit of work, joining the caller's when ctx carries one.
func (s *Store) within(ctx context.Context, fn func(context.Context, *state) error) error {
	if ctx.Value(txKey{}) == s {
		return fn(ctx, s.data)
	}
	s.mu.Lock()
	snapshot := s.data.clone()
	committed := false
	defer func() {
		if !committed {
			s.data = snapshot
		}
		s.mu.Unlock()
	}()
	if err := fn(context.WithValue(ctx, txKey{}, s), s.data); err != nil {
		return err
	}
	committed = true
	return nil
}

// read runs fn against the current state. Inside a unit of work it sees the
// uncommitted writes, like a query on the same transaction.
func (s *Store) read(ctx context.Context, fn func(*state)) {
	if ctx.Value(txKey{}) == s {
		fn(s.data)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// Stock returns the stock repository.
func (s *Store) Stock() *StockRepository { return &StockRepository{s: s} }

// Ledger returns the ledger repository.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Parties returns the party profile repository.
func (s *Store) Parties() *PartyRepository { return &PartyRepository{s: s} }

// Purchasing returns the purchase order repository.
func (s *Store) Purchasing() *PurchasingRepository { return &PurchasingRepository{s: s} }

// CreditMemos returns the credit memo repository.
func (s *Store) CreditMemos() *CreditMemoRepository { return &CreditMemoRepository{s: s} }

// Shipments returns the shipment repository.
func (s *Store) Shipments() *ShipmentRepository { return &ShipmentRepository{s: s} }

// Sales returns the sale and online order repository.
func (s *Store) Sales() *SalesRepository { return &SalesRepository{s: s} }

// Idempotency returns the processed-key store.
func (s *Store) Idempotency() *IdempotencyKeys { return &IdempotencyKeys{s: s} }

// Audit returns the audit log sink.
func (s *Store) Audit() *AuditLog { return &AuditLog{s: s} }
