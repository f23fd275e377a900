package purchasing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, po PurchaseOrder) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	UpdateLines(ctx context.Context, poID uuid.UUID, lines []POLine) error
	UpdateHeader(ctx context.Context, po PurchaseOrder) error
}

// ListFilter narrows order listings.
type ListFilter struct {
	VendorID uuid.UUID
	Status   POStatus
	Limit    int
}

// StockPort applies stock movements inside the caller's unit of work.
type StockPort interface {
	AdjustMany(ctx context.Context, inputs []stock.AdjustInput) ([]stock.Movement, error)
}

// LedgerPort writes balanced postings inside the caller's unit of work.
type LedgerPort interface {
	Post(ctx context.Context, input ledger.PostingInput) (ledger.Posting, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PartyPort moves a vendor's cached outstanding balance inside the unit of work.
type PartyPort interface {
	AdjustOutstanding(ctx context.Context, party ledger.Party, delta decimal.Decimal) error
}

// IdempotencyPort remembers processed delivery keys inside the unit of work.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// Service drives purchase orders from draft to received.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	ledger  LedgerPort
	audit   AuditPort
	idem    IdempotencyPort
	parties PartyPort
	locker  shared.Locker
	logger  *slog.Logger
	metrics *observability.Engine
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, ledgerPort LedgerPort, audit AuditPort) *Service {
	return &Service{
		repo:   repo,
		stock:  stockPort,
		ledger: ledgerPort,
		audit:  audit,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker serialises operations per order across processes.
func (s *Service) WithLocker(locker shared.Locker) *Service {
	s.locker = locker
	return s
}

// WithIdempotency enables delivery key deduplication on Receive.
func (s *Service) WithIdempotency(idem IdempotencyPort) *Service {
	s.idem = idem
	return s
}

// WithParties keeps vendor profiles in step with the payable posted on receipt.
func (s *Service) WithParties(parties PartyPort) *Service {
	s.parties = parties
	return s
}

// WithLogger overrides the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithMetrics attaches engine collectors.
func (s *Service) WithMetrics(metrics *observability.Engine) *Service {
	s.metrics = metrics
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create stores a DRAFT purchase order.
func (s *Service) Create(ctx context.Context, input CreateInput) (PurchaseOrder, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return PurchaseOrder{}, err
	}
	now := s.now()
	po := PurchaseOrder{
		ID:           uuid.New(),
		VendorID:     input.VendorID,
		Status:       POStatusDraft,
		ExpectedDate: input.ExpectedDate,
		Note:         input.Note,
		CreatedBy:    input.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	po.Number = shared.DocumentNumber(shared.RefPurchaseOrder, po.ID, now)
	for i, l := range input.Lines {
		if l.UnitCost.IsNegative() {
			return PurchaseOrder{}, shared.FailLine("purchasing.create", po.Ref(), i+1, shared.ErrValidation, "negative unit cost")
		}
		po.Lines = append(po.Lines, POLine{ProductID: l.ProductID, QuantityOrdered: l.Quantity, UnitCost: l.UnitCost})
	}
	po.Total = po.OrderedValue()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, po)
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "purchasing.create", po.ID, map[string]any{"number": po.Number, "total": po.Total.StringFixed(2)})
	return po, nil
}

// Get returns a purchase order.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	return s.repo.Get(ctx, id)
}

// List returns purchase orders.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]PurchaseOrder, error) {
	return s.repo.List(ctx, filter)
}

// Send moves a DRAFT order to SENT.
func (s *Service) Send(ctx context.Context, id uuid.UUID, actorID int64) (PurchaseOrder, error) {
	return s.transition(ctx, id, actorID, "purchasing.send", func(po *PurchaseOrder, now time.Time) error {
		if !po.Status.CanSend() {
			return shared.Fail("purchasing.send", po.Ref(), shared.ErrInvalidState, "status "+string(po.Status))
		}
		po.Status = POStatusSent
		po.SentAt = &now
		return nil
	})
}

// Cancel moves a non-terminal order to CANCELLED. Stock already received and
// any posting stay in place.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64) (PurchaseOrder, error) {
	return s.transition(ctx, id, actorID, "purchasing.cancel", func(po *PurchaseOrder, now time.Time) error {
		if !po.Status.CanCancel() {
			return shared.Fail("purchasing.cancel", po.Ref(), shared.ErrInvalidState, "status "+string(po.Status))
		}
		po.Status = POStatusCancelled
		po.CancelledAt = &now
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, actorID int64, action string, apply func(*PurchaseOrder, time.Time) error) (PurchaseOrder, error) {
	ref := shared.Ref(shared.RefPurchaseOrder, id)
	var po PurchaseOrder
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			po, err = tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			now := s.now()
			if err := apply(&po, now); err != nil {
				return err
			}
			po.UpdatedAt = now
			return tx.UpdateHeader(ctx, po)
		})
	})
	if err != nil {
		s.metrics.Rejection("purchase_order", shared.Reason(err))
		return PurchaseOrder{}, err
	}
	s.metrics.Transition("purchase_order", string(po.Status))
	s.recordAudit(ctx, actorID, action, po.ID, map[string]any{"status": string(po.Status)})
	return po, nil
}

// Receive applies delivered quantities, clamping each to what is still
// outstanding, and posts the payable only on the transition into RECEIVED.
// Receiving against a fully received order is a no-op.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Receipt, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Receipt{}, err
	}
	ref := shared.Ref(shared.RefPurchaseOrder, input.POID)
	var receipt Receipt
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			po, err := tx.GetForUpdate(ctx, input.POID)
			if err != nil {
				return err
			}
			receipt = Receipt{Order: po, Applied: map[uuid.UUID]int64{}}
			if po.Status == POStatusReceived {
				return nil
			}
			if !po.Status.CanReceive() {
				return shared.Fail("purchasing.receive", ref, shared.ErrInvalidState, "status "+string(po.Status))
			}
			if input.DeliveryKey != "" && s.idem != nil {
				err := s.idem.CheckAndInsert(ctx, po.ID.String()+":"+input.DeliveryKey, "purchasing.receive")
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return nil
				}
				if err != nil {
					return err
				}
			}

			perLine := make(map[int]int64)
			for i, rl := range input.Lines {
				remaining := rl.Quantity
				matched := false
				for j := range po.Lines {
					line := &po.Lines[j]
					if line.ProductID != rl.ProductID {
						continue
					}
					matched = true
					take := min(remaining, line.Outstanding())
					if take <= 0 {
						continue
					}
					line.QuantityReceived += take
					perLine[j] += take
					receipt.Applied[rl.ProductID] += take
					remaining -= take
					if remaining == 0 {
						break
					}
				}
				if !matched {
					return shared.FailLine("purchasing.receive", ref, i+1, shared.ErrNotFound, "product "+rl.ProductID.String()+" not on order")
				}
			}
			if len(perLine) == 0 {
				return nil
			}

			adjustments := make([]stock.AdjustInput, 0, len(perLine))
			for j, qty := range perLine {
				adjustments = append(adjustments, stock.AdjustInput{
					ProductID: po.Lines[j].ProductID,
					Delta:     qty,
					Type:      stock.MovementPurchase,
					Reference: ref,
					Note:      po.Number,
					ActorID:   input.ActorID,
					Line:      j + 1,
				})
			}
			if _, err := s.stock.AdjustMany(ctx, adjustments); err != nil {
				return err
			}
			if err := tx.UpdateLines(ctx, po.ID, po.Lines); err != nil {
				return err
			}

			now := s.now()
			po.Status = po.ReceiptStatus()
			if po.Status == POStatusReceived {
				po.ReceivedAt = &now
				total := po.OrderedValue()
				if total.IsPositive() {
					vendor := ledger.Vendor(po.VendorID)
					_, err := s.ledger.Post(ctx, ledger.PostingInput{
						Reference:  ref,
						Memo:       "goods received " + po.Number,
						ActorID:    input.ActorID,
						OccurredAt: now,
						Lines: []ledger.Line{
							ledger.Debit(ledger.AccountVendor, vendor, total),
							ledger.Credit(ledger.AccountPurchase, ledger.Party{}, total),
						},
					})
					if err != nil {
						return err
					}
					if s.parties != nil {
						if err := s.parties.AdjustOutstanding(ctx, vendor, total); err != nil {
							return err
						}
					}
					receipt.Posted = true
				}
			}
			po.UpdatedAt = now
			if err := tx.UpdateHeader(ctx, po); err != nil {
				return err
			}
			receipt.Order = po
			return nil
		})
	})
	if err != nil {
		s.metrics.Rejection("purchase_order", shared.Reason(err))
		return Receipt{}, err
	}
	if len(receipt.Applied) > 0 {
		s.metrics.Transition("purchase_order", string(receipt.Order.Status))
		s.recordAudit(ctx, input.ActorID, "purchasing.receive", receipt.Order.ID, map[string]any{
			"status": string(receipt.Order.Status),
			"posted": receipt.Posted,
		})
	}
	return receipt, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "purchase_order", EntityID: id.String(), Meta: meta}); err != nil {
		s.logger.Warn("purchasing audit", slog.String("action", action), slog.Any("error", err))
	}
}
