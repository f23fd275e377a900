package shipment

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/tradebook/internal/creditmemo"
	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Shipment, error)
	List(ctx context.Context, filter ListFilter) ([]Shipment, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, shipment Shipment) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (Shipment, error)
	UpdateHeader(ctx context.Context, shipment Shipment) error
}

// StockPort applies stock movements and prices return lines.
type StockPort interface {
	AdjustMany(ctx context.Context, inputs []stock.AdjustInput) ([]stock.Movement, error)
	Product(ctx context.Context, id uuid.UUID) (stock.Product, error)
}

// MemoPort drafts credit memos for returned goods.
type MemoPort interface {
	Create(ctx context.Context, input creditmemo.CreateInput) (creditmemo.CreditMemo, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives shipments through their lifecycle.
type Service struct {
	repo    RepositoryPort
	stock   StockPort
	memos   MemoPort
	audit   AuditPort
	locker  shared.Locker
	logger  *slog.Logger
	metrics *observability.Engine
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockPort StockPort, memos MemoPort, audit AuditPort) *Service {
	return &Service{
		repo:   repo,
		stock:  stockPort,
		memos:  memos,
		audit:  audit,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker serialises operations per shipment across processes.
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

// Create stores a PENDING shipment.
func (s *Service) Create(ctx context.Context, input CreateInput) (Shipment, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Shipment{}, err
	}
	now := s.now()
	sh := Shipment{
		ID:             uuid.New(),
		Type:           input.Type,
		CustomerID:     input.CustomerID,
		Carrier:        input.Carrier,
		TrackingNumber: input.TrackingNumber,
		Status:         StatusPending,
		CreatedBy:      input.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sh.Number = shared.DocumentNumber(shared.RefShipment, sh.ID, now)
	for _, l := range input.Lines {
		sh.Lines = append(sh.Lines, Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.Insert(ctx, sh)
	})
	if err != nil {
		return Shipment{}, err
	}
	s.recordAudit(ctx, input.ActorID, "shipment.create", sh.ID, map[string]any{"number": sh.Number, "type": string(sh.Type)})
	return sh, nil
}

// Get returns a shipment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Shipment, error) {
	return s.repo.Get(ctx, id)
}

// List returns shipments.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Shipment, error) {
	return s.repo.List(ctx, filter)
}

// UpdateStatus records a metadata-only status change. Dispatch stamps the
// dispatch date; FAILED ends the lifecycle without touching stock.
func (s *Service) UpdateStatus(ctx context.Context, input StatusInput) (Shipment, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Shipment{}, err
	}
	return s.transition(ctx, input.ShipmentID, input.ActorID, "shipment.status", func(ctx context.Context, sh *Shipment, now time.Time) error {
		if sh.Status.Terminal() {
			return shared.Fail("shipment.status", sh.Ref(), shared.ErrInvalidState, "status "+string(sh.Status))
		}
		sh.Status = input.Status
		if input.TrackingNumber != "" {
			sh.TrackingNumber = input.TrackingNumber
		}
		if input.Status == StatusDispatched && sh.DispatchDate == nil {
			sh.DispatchDate = &now
		}
		return nil
	})
}

// MarkDelivered completes a shipment. Outbound goods leave inventory here,
// not at dispatch.
func (s *Service) MarkDelivered(ctx context.Context, id uuid.UUID, proof string, actorID int64) (Shipment, error) {
	return s.transition(ctx, id, actorID, "shipment.deliver", func(ctx context.Context, sh *Shipment, now time.Time) error {
		if sh.Status.Terminal() {
			return shared.Fail("shipment.deliver", sh.Ref(), shared.ErrInvalidState, "status "+string(sh.Status))
		}
		if sh.Type == TypeGround {
			if err := s.move(ctx, *sh, -1, stock.MovementShipmentOut, actorID); err != nil {
				return err
			}
		}
		sh.Status = StatusDelivered
		sh.DeliveredDate = &now
		if proof != "" {
			sh.ProofOfDelivery = proof
		}
		return nil
	})
}

// MarkReturnReceived books returned goods back into stock and optionally drafts
// a customer credit memo that leaves inventory alone on approval.
func (s *Service) MarkReturnReceived(ctx context.Context, id uuid.UUID, opts ReturnOptions) (Shipment, error) {
	return s.transition(ctx, id, opts.ActorID, "shipment.return", func(ctx context.Context, sh *Shipment, now time.Time) error {
		if sh.Type != TypeGroundReturn {
			return shared.Fail("shipment.return", sh.Ref(), shared.ErrInvalidState, "shipment type "+string(sh.Type))
		}
		if sh.Status.Terminal() {
			return shared.Fail("shipment.return", sh.Ref(), shared.ErrInvalidState, "status "+string(sh.Status))
		}
		if err := s.move(ctx, *sh, 1, stock.MovementShipmentIn, opts.ActorID); err != nil {
			return err
		}
		customer := opts.CustomerID
		if customer == nil {
			customer = sh.CustomerID
		}
		if opts.AutoCreateCreditMemo && customer != nil && *customer != uuid.Nil && s.memos != nil {
			memoID, err := s.draftMemo(ctx, *sh, *customer, opts.ActorID)
			if err != nil {
				return err
			}
			sh.CreditMemoID = &memoID
		}
		sh.Status = StatusReturned
		sh.DeliveredDate = &now
		return nil
	})
}

func (s *Service) move(ctx context.Context, sh Shipment, sign int64, movement stock.MovementType, actorID int64) error {
	adjustments := make([]stock.AdjustInput, 0, len(sh.Lines))
	for i, l := range sh.Lines {
		adjustments = append(adjustments, stock.AdjustInput{
			ProductID: l.ProductID,
			Delta:     sign * l.Quantity,
			Type:      movement,
			Reference: sh.Ref(),
			Note:      sh.Number,
			ActorID:   actorID,
			Validate:  sign < 0,
			Line:      i + 1,
		})
	}
	_, err := s.stock.AdjustMany(ctx, adjustments)
	return err
}

func (s *Service) draftMemo(ctx context.Context, sh Shipment, customerID uuid.UUID, actorID int64) (uuid.UUID, error) {
	lines := make([]creditmemo.LineInput, 0, len(sh.Lines))
	for _, l := range sh.Lines {
		product, err := s.stock.Product(ctx, l.ProductID)
		if err != nil {
			return uuid.Nil, err
		}
		lines = append(lines, creditmemo.LineInput{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			UnitPrice:  product.Price,
			TaxPercent: product.TaxRate,
		})
	}
	memo, err := s.memos.Create(ctx, creditmemo.CreateInput{
		Type:             ledger.PartyCustomer,
		CustomerID:       &customerID,
		Reason:           creditmemo.ReasonReturn,
		AffectsInventory: false,
		Source:           sh.Ref(),
		Notes:            "return goods " + sh.Number,
		Lines:            lines,
		ActorID:          actorID,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return memo.ID, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, actorID int64, action string, apply func(context.Context, *Shipment, time.Time) error) (Shipment, error) {
	ref := shared.Ref(shared.RefShipment, id)
	var sh Shipment
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			sh, err = tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			now := s.now()
			if err := apply(ctx, &sh, now); err != nil {
				return err
			}
			sh.UpdatedAt = now
			return tx.UpdateHeader(ctx, sh)
		})
	})
	if err != nil {
		s.metrics.Rejection("shipment", shared.Reason(err))
		return Shipment{}, err
	}
	s.metrics.Transition("shipment", string(sh.Status))
	meta := map[string]any{"status": string(sh.Status)}
	if sh.CreditMemoID != nil {
		meta["credit_memo_id"] = sh.CreditMemoID.String()
	}
	s.recordAudit(ctx, actorID, action, sh.ID, meta)
	return sh, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: "shipment", EntityID: id.String(), Meta: meta}); err != nil {
		s.logger.Warn("shipment audit", slog.String("action", action), slog.Any("error", err))
	}
}
