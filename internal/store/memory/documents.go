package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/creditmemo"
	"github.com/odyssey-erp/tradebook/internal/purchasing"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/shipment"
)

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// ============================================================================
// PURCHASE ORDERS
// ============================================================================

// PurchasingRepository implements purchasing.RepositoryPort.
type PurchasingRepository struct {
	s *Store
}

type purchasingTx struct {
	st *state
}

func (r *PurchasingRepository) WithTx(ctx context.Context, fn func(context.Context, purchasing.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &purchasingTx{st: st})
	})
}

func (r *PurchasingRepository) Get(ctx context.Context, id uuid.UUID) (purchasing.PurchaseOrder, error) {
	var (
		po purchasing.PurchaseOrder
		ok bool
	)
	r.s.read(ctx, func(st *state) { po, ok = st.purchases[id] })
	if !ok {
		return purchasing.PurchaseOrder{}, purchasing.ErrNotFound
	}
	po.Lines = slices.Clone(po.Lines)
	return po, nil
}

func (r *PurchasingRepository) List(ctx context.Context, filter purchasing.ListFilter) ([]purchasing.PurchaseOrder, error) {
	var out []purchasing.PurchaseOrder
	r.s.read(ctx, func(st *state) {
		for _, po := range st.purchases {
			if filter.VendorID != uuid.Nil && po.VendorID != filter.VendorID {
				continue
			}
			if filter.Status != "" && po.Status != filter.Status {
				continue
			}
			po.Lines = slices.Clone(po.Lines)
			out = append(out, po)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *purchasingTx) Insert(_ context.Context, po purchasing.PurchaseOrder) error {
	if _, exists := t.st.purchases[po.ID]; exists {
		return fmt.Errorf("%w: purchase order %s already exists", shared.ErrValidation, po.ID)
	}
	lines := make([]purchasing.POLine, len(po.Lines))
	for i, l := range po.Lines {
		l.ID = t.st.next()
		lines[i] = l
	}
	po.Lines = lines
	t.st.purchases[po.ID] = po
	return nil
}

func (t *purchasingTx) GetForUpdate(_ context.Context, id uuid.UUID) (purchasing.PurchaseOrder, error) {
	po, ok := t.st.purchases[id]
	if !ok {
		return purchasing.PurchaseOrder{}, purchasing.ErrNotFound
	}
	po.Lines = slices.Clone(po.Lines)
	return po, nil
}

func (t *purchasingTx) UpdateLines(_ context.Context, poID uuid.UUID, lines []purchasing.POLine) error {
	po, ok := t.st.purchases[poID]
	if !ok {
		return purchasing.ErrNotFound
	}
	updated := slices.Clone(po.Lines)
	for _, l := range lines {
		for i := range updated {
			if updated[i].ID != l.ID {
				continue
			}
			if l.QuantityReceived < 0 || l.QuantityReceived > updated[i].QuantityOrdered {
				return fmt.Errorf("%w: line %d received %d of %d", shared.ErrValidation, l.ID, l.QuantityReceived, updated[i].QuantityOrdered)
			}
			updated[i].QuantityReceived = l.QuantityReceived
		}
	}
	po.Lines = updated
	t.st.purchases[poID] = po
	return nil
}

func (t *purchasingTx) UpdateHeader(_ context.Context, po purchasing.PurchaseOrder) error {
	stored, ok := t.st.purchases[po.ID]
	if !ok {
		return purchasing.ErrNotFound
	}
	stored.Status = po.Status
	stored.SentAt = po.SentAt
	stored.ReceivedAt = po.ReceivedAt
	stored.CancelledAt = po.CancelledAt
	stored.UpdatedAt = po.UpdatedAt
	t.st.purchases[po.ID] = stored
	return nil
}

// ============================================================================
// CREDIT MEMOS
// ============================================================================

// CreditMemoRepository implements creditmemo.RepositoryPort.
type CreditMemoRepository struct {
	s *Store
}

type creditMemoTx struct {
	st *state
}

func (r *CreditMemoRepository) WithTx(ctx context.Context, fn func(context.Context, creditmemo.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &creditMemoTx{st: st})
	})
}

func (r *CreditMemoRepository) Get(ctx context.Context, id uuid.UUID) (creditmemo.CreditMemo, error) {
	var (
		memo creditmemo.CreditMemo
		ok   bool
	)
	r.s.read(ctx, func(st *state) { memo, ok = st.memos[id] })
	if !ok {
		return creditmemo.CreditMemo{}, creditmemo.ErrNotFound
	}
	memo.Lines = slices.Clone(memo.Lines)
	return memo, nil
}

func (r *CreditMemoRepository) List(ctx context.Context, filter creditmemo.ListFilter) ([]creditmemo.CreditMemo, error) {
	var out []creditmemo.CreditMemo
	r.s.read(ctx, func(st *state) {
		for _, memo := range st.memos {
			if filter.Type != "" && memo.Type != filter.Type {
				continue
			}
			if filter.Status != "" && memo.Status != filter.Status {
				continue
			}
			if filter.Source != nil && memo.Source != *filter.Source {
				continue
			}
			memo.Lines = slices.Clone(memo.Lines)
			out = append(out, memo)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *creditMemoTx) Insert(_ context.Context, memo creditmemo.CreditMemo) error {
	if _, exists := t.st.memos[memo.ID]; exists {
		return fmt.Errorf("%w: credit memo %s already exists", shared.ErrValidation, memo.ID)
	}
	lines := make([]creditmemo.Line, len(memo.Lines))
	for i, l := range memo.Lines {
		l.ID = t.st.next()
		lines[i] = l
	}
	memo.Lines = lines
	t.st.memos[memo.ID] = memo
	return nil
}

func (t *creditMemoTx) GetForUpdate(_ context.Context, id uuid.UUID) (creditmemo.CreditMemo, error) {
	memo, ok := t.st.memos[id]
	if !ok {
		return creditmemo.CreditMemo{}, creditmemo.ErrNotFound
	}
	memo.Lines = slices.Clone(memo.Lines)
	return memo, nil
}

func (t *creditMemoTx) UpdateStatus(_ context.Context, memo creditmemo.CreditMemo) error {
	stored, ok := t.st.memos[memo.ID]
	if !ok {
		return creditmemo.ErrNotFound
	}
	stored.Status = memo.Status
	stored.ApprovedAt = memo.ApprovedAt
	stored.ApprovedBy = memo.ApprovedBy
	stored.CancelledAt = memo.CancelledAt
	stored.CancelledBy = memo.CancelledBy
	stored.UpdatedAt = memo.UpdatedAt
	t.st.memos[memo.ID] = stored
	return nil
}

// ============================================================================
// SHIPMENTS
// ============================================================================

// ShipmentRepository implements shipment.RepositoryPort.
type ShipmentRepository struct {
	s *Store
}

type shipmentTx struct {
	st *state
}

func (r *ShipmentRepository) WithTx(ctx context.Context, fn func(context.Context, shipment.TxRepository) error) error {
	return r.s.within(ctx, func(ctx context.Context, st *state) error {
		return fn(ctx, &shipmentTx{st: st})
	})
}

func (r *ShipmentRepository) Get(ctx context.Context, id uuid.UUID) (shipment.Shipment, error) {
	var (
		sh shipment.Shipment
		ok bool
	)
	r.s.read(ctx, func(st *state) { sh, ok = st.shipments[id] })
	if !ok {
		return shipment.Shipment{}, shipment.ErrNotFound
	}
	sh.Lines = slices.Clone(sh.Lines)
	return sh, nil
}

func (r *ShipmentRepository) List(ctx context.Context, filter shipment.ListFilter) ([]shipment.Shipment, error) {
	var out []shipment.Shipment
	r.s.read(ctx, func(st *state) {
		for _, sh := range st.shipments {
			if filter.Type != "" && sh.Type != filter.Type {
				continue
			}
			if filter.Status != "" && sh.Status != filter.Status {
				continue
			}
			sh.Lines = slices.Clone(sh.Lines)
			out = append(out, sh)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOrDefault(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *shipmentTx) Insert(_ context.Context, sh shipment.Shipment) error {
	if _, exists := t.st.shipments[sh.ID]; exists {
		return fmt.Errorf("%w: shipment %s already exists", shared.ErrValidation, sh.ID)
	}
	lines := make([]shipment.Line, len(sh.Lines))
	for i, l := range sh.Lines {
		l.ID = t.st.next()
		lines[i] = l
	}
	sh.Lines = lines
	t.st.shipments[sh.ID] = sh
	return nil
}

func (t *shipmentTx) GetForUpdate(_ context.Context, id uuid.UUID) (shipment.Shipment, error) {
	sh, ok := t.st.shipments[id]
	if !ok {
		return shipment.Shipment{}, shipment.ErrNotFound
	}
	sh.Lines = slices.Clone(sh.Lines)
	return sh, nil
}

func (t *shipmentTx) UpdateHeader(_ context.Context, sh shipment.Shipment) error {
	stored, ok := t.st.shipments[sh.ID]
	if !ok {
		return shipment.ErrNotFound
	}
	stored.Status = sh.Status
	stored.TrackingNumber = sh.TrackingNumber
	stored.DispatchDate = sh.DispatchDate
	stored.DeliveredDate = sh.DeliveredDate
	stored.ProofOfDelivery = sh.ProofOfDelivery
	stored.CreditMemoID = sh.CreditMemoID
	stored.UpdatedAt = sh.UpdatedAt
	t.st.shipments[sh.ID] = stored
	return nil
}
