package creditmemo

import (
	"context"
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
	Get(ctx context.Context, id uuid.UUID) (CreditMemo, error)
	List(ctx context.Context, filter ListFilter) ([]CreditMemo, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, memo CreditMemo) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (CreditMemo, error)
	UpdateStatus(ctx context.Context, memo CreditMemo) error
}

// StockPort applies stock movements inside the caller's unit of work.
type StockPort interface {
	AdjustMany(ctx context.Context, inputs []stock.AdjustInput) ([]stock.Movement, error)
}

// LedgerPort writes balanced postings inside the caller's unit of work.
type LedgerPort interface {
	Post(ctx context.Context, input ledger.PostingInput) (ledger.Posting, error)
}

// PartyPort maintains the cached customer receivable.
type PartyPort interface {
	AdjustOutstanding(ctx context.Context, party ledger.Party, delta decimal.Decimal) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the credit memo workflow.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	ledger  LedgerPort
	parties PartyPort
	audit   AuditPort
	locker  shared.Locker
	logger  *slog.Logger
	metrics *observability.Engine
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, ledgerPort LedgerPort, parties PartyPort, audit AuditPort) *Service {
	return &Service{
		repo:    repo,
		stock:   stockPort,
		ledger:  ledgerPort,
		parties: parties,
		audit:   audit,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker serialises operations per memo across processes.
func (s *Service) WithLocker(locker shared.Locker) *Service {
	s.locker = locker
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

// Create stores a DRAFT memo with computed totals. It has no stock or ledger
// effect and joins the caller's unit of work when there is one.
func (s *Service) Create(ctx context.Context, input CreateInput) (CreditMemo, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return CreditMemo{}, err
	}
	now := s.now()
	memo := CreditMemo{
		ID:               uuid.New(),
		Type:             input.Type,
		VendorID:         input.VendorID,
		CustomerID:       input.CustomerID,
		Reason:           input.Reason,
		AffectsInventory: input.AffectsInventory,
		Source:           input.Source,
		Status:           StatusDraft,
		Notes:            input.Notes,
		CreatedBy:        input.ActorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	memo.Number = shared.DocumentNumber(shared.RefCreditMemo, memo.ID, now)
	if !input.Source.IsZero() {
		if err := input.Source.Validate(); err != nil {
			return CreditMemo{}, err
		}
	}
	subtotal, tax := decimal.Zero, decimal.Zero
	for i, l := range input.Lines {
		if l.UnitPrice.IsNegative() || l.TaxPercent.IsNegative() {
			return CreditMemo{}, shared.FailLine("creditmemo.create", memo.Ref(), i+1, shared.ErrValidation, "negative price or tax")
		}
		line := computeLine(l)
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity)))
		tax = tax.Add(line.TaxAmount)
		memo.Lines = append(memo.Lines, line)
	}
	memo.Subtotal = shared.RoundMoney(subtotal)
	memo.TaxAmount = shared.RoundMoney(tax)
	memo.TotalAmount = shared.SumMoney(memo.Subtotal, memo.TaxAmount)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, memo)
	})
	if err != nil {
		return CreditMemo{}, err
	}
	s.recordAudit(ctx, input.ActorID, "creditmemo.create", memo.ID, map[string]any{
		"number": memo.Number,
		"type":   string(memo.Type),
		"total":  memo.TotalAmount.StringFixed(2),
	})
	return memo, nil
}

// Get returns a memo.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (CreditMemo, error) {
	return s.repo.Get(ctx, id)
}

// List returns memos.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]CreditMemo, error) {
	return s.repo.List(ctx, filter)
}

// Approve posts the memo to the ledger, restores stock when the memo affects
// inventory, and marks it APPROVED. All of it commits or none of it does.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actorID int64) (CreditMemo, error) {
	ref := shared.Ref(shared.RefCreditMemo, id)
	var memo CreditMemo
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			memo, err = tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !memo.Status.CanApprove() {
				return shared.Fail("creditmemo.approve", ref, shared.ErrInvalidState, "status "+string(memo.Status))
			}
			party, ok := memo.Party()
			if !ok {
				return shared.Fail("creditmemo.approve", ref, shared.ErrMissingParty, string(memo.Type)+" reference required")
			}
			now := s.now()
			if memo.TotalAmount.IsPositive() {
				lines := memo.Postings(party)
				_, err := s.ledger.Post(ctx, ledger.PostingInput{
					Reference:  ref,
					Memo:       "credit memo " + memo.Number,
					ActorID:    actorID,
					OccurredAt: now,
					Lines:      lines,
				})
				if err != nil {
					return err
				}
				if s.parties != nil {
					if err := s.parties.AdjustOutstanding(ctx, party, ledger.PartyNet(lines, party)); err != nil {
						return err
					}
				}
			}
			if memo.AffectsInventory {
				adjustments := make([]stock.AdjustInput, 0, len(memo.Lines))
				for i, l := range memo.Lines {
					adjustments = append(adjustments, stock.AdjustInput{
						ProductID: l.ProductID,
						Delta:     l.Quantity,
						Type:      stock.MovementCreditMemo,
						Reference: ref,
						Note:      memo.Number,
						ActorID:   actorID,
						Line:      i + 1,
					})
				}
				if _, err := s.stock.AdjustMany(ctx, adjustments); err != nil {
					return err
				}
			}
			memo.Status = StatusApproved
			memo.ApprovedAt = &now
			memo.ApprovedBy = &actorID
			memo.UpdatedAt = now
			return tx.UpdateStatus(ctx, memo)
		})
	})
	if err != nil {
		s.metrics.Rejection("credit_memo", shared.Reason(err))
		return CreditMemo{}, err
	}
	s.metrics.Transition("credit_memo", string(memo.Status))
	s.recordAudit(ctx, actorID, "creditmemo.approve", memo.ID, map[string]any{
		"total":             memo.TotalAmount.StringFixed(2),
		"affects_inventory": memo.AffectsInventory,
	})
	return memo, nil
}

// Cancel moves a DRAFT memo to CANCELLED. Approved memos are rejected with
// ErrInvalidState because their ledger and stock effects would otherwise stay
// behind silently.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actorID int64) (CreditMemo, error) {
	ref := shared.Ref(shared.RefCreditMemo, id)
	var memo CreditMemo
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			memo, err = tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !memo.Status.CanCancel() {
				return shared.Fail("creditmemo.cancel", ref, shared.ErrInvalidState, "status "+string(memo.Status))
			}
			now := s.now()
			memo.Status = StatusCancelled
			memo.CancelledAt = &now
			memo.CancelledBy = &actorID
			memo.UpdatedAt = now
			return tx.UpdateStatus(ctx, memo)
		})
	})
	if err != nil {
		s.metrics.Rejection("credit_memo", shared.Reason(err))
		return CreditMemo{}, err
	}
	s.metrics.Transition("credit_memo", string(memo.Status))
	s.recordAudit(ctx, actorID, "creditmemo.cancel", memo.ID, nil)
	return memo, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "credit_memo", EntityID: id.String(), Meta: meta}); err != nil {
		s.logger.Warn("creditmemo audit", slog.String("action", action), slog.Any("error", err))
	}
}
