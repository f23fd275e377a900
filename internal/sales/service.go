package sales

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/tradebook/internal/ledger"
	"github.com/odyssey-erp/tradebook/internal/observability"
	"github.com/odyssey-erp/tradebook/internal/platform/db"
	"github.com/odyssey-erp/tradebook/internal/shared"
	"github.com/odyssey-erp/tradebook/internal/stock"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id uuid.UUID) (Sale, error)
	GetSaleByKey(ctx context.Context, key string) (Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)
	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	// OpenCommitments sums quantities of PLACED orders per product.
	OpenCommitments(ctx context.Context) (map[uuid.UUID]int64, error)
	// OpenCommitment sums quantities of PLACED orders for one product.
	OpenCommitment(ctx context.Context, productID uuid.UUID) (int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertSale(ctx context.Context, sale Sale) error
	GetSaleByKey(ctx context.Context, key string) (Sale, error)
	InsertOrder(ctx context.Context, order Order) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (Order, error)
	UpdateOrder(ctx context.Context, order Order) error
}

// StockPort is the stock ledger surface used by sales and orders.
type StockPort interface {
	Product(ctx context.Context, id uuid.UUID) (stock.Product, error)
	AdjustMany(ctx context.Context, inputs []stock.AdjustInput) ([]stock.Movement, error)
	Reserve(ctx context.Context, productID uuid.UUID, qty int64, ref shared.Reference) error
	Release(ctx context.Context, productID uuid.UUID, qty int64) error
}

// LedgerPort writes balanced postings inside the caller's unit of work.
type LedgerPort interface {
	Post(ctx context.Context, input ledger.PostingInput) (ledger.Posting, error)
}

// PartyPort maintains cached customer fields.
type PartyPort interface {
	AdjustOutstanding(ctx context.Context, party ledger.Party, delta decimal.Decimal) error
	AwardLoyalty(ctx context.Context, customerID uuid.UUID, points int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service processes POS sales and online orders.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	ledger      LedgerPort
	parties     PartyPort
	audit       AuditPort
	locker      shared.Locker
	logger      *slog.Logger
	metrics     *observability.Engine
	now         func() time.Time
	loyaltyUnit decimal.Decimal
	epsilon     decimal.Decimal
}

// NewService builds Service with one loyalty point per 100 spent and a one-cent split tolerance.
func NewService(repo RepositoryPort, stockPort StockPort, ledgerPort LedgerPort, parties PartyPort, audit AuditPort) *Service {
	return &Service{
		repo:        repo,
		stock:       stockPort,
		ledger:      ledgerPort,
		parties:     parties,
		audit:       audit,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		loyaltyUnit: decimal.NewFromInt(100),
		epsilon:     shared.Cent,
	}
}

// WithLocker serialises order operations across processes.
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

// WithLoyaltyUnit sets the spend that earns one point.
func (s *Service) WithLoyaltyUnit(unit decimal.Decimal) *Service {
	s.loyaltyUnit = unit
	return s
}

// WithSplitEpsilon sets the tolerance for split tenders.
func (s *Service) WithSplitEpsilon(epsilon decimal.Decimal) *Service {
	if !epsilon.IsNegative() {
		s.epsilon = epsilon
	}
	return s
}

// CreateSale records a sale, decrements stock for tracked lines, posts the
// revenue and awards loyalty points in one unit of work. Repeating a call with
// the same idempotency key returns the original sale.
func (s *Service) CreateSale(ctx context.Context, input SaleInput) (Sale, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Sale{}, err
	}
	if input.Channel == "" {
		input.Channel = ChannelPOS
	}
	var (
		sale   Sale
		replay bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		sale, replay, err = s.createSale(ctx, tx, input, nil)
		return err
	})
	if err != nil && input.IdempotencyKey != "" && db.IsUniqueViolation(err) {
		// a concurrent request with the same key committed first
		if existing, getErr := s.repo.GetSaleByKey(ctx, input.IdempotencyKey); getErr == nil {
			return existing, nil
		}
	}
	if err != nil {
		s.metrics.Rejection("sale", shared.Reason(err))
		return Sale{}, err
	}
	if !replay {
		s.completed(ctx, sale)
	}
	return sale, nil
}

func (s *Service) createSale(ctx context.Context, tx TxRepository, input SaleInput, orderID *uuid.UUID) (Sale, bool, error) {
	if input.IdempotencyKey != "" {
		existing, err := tx.GetSaleByKey(ctx, input.IdempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, ErrSaleNotFound) {
			return Sale{}, false, err
		}
	}
	now := s.now()
	sale := Sale{
		ID:             uuid.New(),
		Channel:        input.Channel,
		CustomerID:     input.CustomerID,
		OrderID:        orderID,
		Payment:        input.Payment,
		PaymentStatus:  PaymentStatusPaid,
		IdempotencyKey: input.IdempotencyKey,
		CreatedBy:      input.ActorID,
		CreatedAt:      now,
	}
	sale.Number = shared.DocumentNumber(shared.RefSale, sale.ID, now)
	ref := sale.Ref()

	var customer ledger.Party
	if input.CustomerID != nil && *input.CustomerID != uuid.Nil {
		customer = ledger.Customer(*input.CustomerID)
	}
	if input.Payment.Method == PaymentCredit && customer.IsZero() {
		return Sale{}, false, shared.Fail("sales.create", ref, shared.ErrMissingParty, "credit sale requires a customer")
	}
	if input.BillDiscount.IsNegative() {
		return Sale{}, false, shared.Fail("sales.create", ref, shared.ErrValidation, "negative bill discount")
	}

	for i, item := range input.Items {
		if item.LineDiscount.IsNegative() {
			return Sale{}, false, shared.FailLine("sales.create", ref, i+1, shared.ErrValidation, "negative line discount")
		}
		product, err := s.stock.Product(ctx, item.ProductID)
		if errors.Is(err, stock.ErrProductNotFound) {
			return Sale{}, false, shared.FailLine("sales.create", ref, i+1, shared.ErrNotFound, item.ProductID.String())
		}
		if err != nil {
			return Sale{}, false, err
		}
		lineTax, lineTotal := CalculateLine(item.Quantity, product.Price, item.LineDiscount, product.TaxRate)
		sale.Lines = append(sale.Lines, SaleLine{
			ProductID:    product.ID,
			SKU:          product.SKU,
			Name:         product.Name,
			Quantity:     item.Quantity,
			UnitPrice:    product.Price,
			LineDiscount: item.LineDiscount,
			TaxRate:      product.TaxRate,
			LineTax:      lineTax,
			LineTotal:    lineTotal,
			StockTracked: product.Tracked(),
		})
	}

	totals := CalculateTotals(sale.Lines, input.BillDiscount)
	if totals.Discount.GreaterThan(totals.Subtotal) {
		return Sale{}, false, shared.Fail("sales.create", ref, shared.ErrValidation, "discount exceeds subtotal")
	}
	sale.Subtotal, sale.Discount, sale.Tax, sale.Total = totals.Subtotal, totals.Discount, totals.Tax, totals.Total

	payment, err := s.settlePayment(ref, input.Payment, sale.Total)
	if err != nil {
		return Sale{}, false, err
	}
	sale.Payment = payment
	if payment.Method == PaymentCredit {
		sale.PaymentStatus = PaymentStatusUnpaid
	}
	if !customer.IsZero() {
		sale.LoyaltyPoints = LoyaltyPoints(sale.Total, s.loyaltyUnit)
	}

	if err := tx.InsertSale(ctx, sale); err != nil {
		return Sale{}, false, err
	}

	var adjustments []stock.AdjustInput
	for i, l := range sale.Lines {
		if !l.StockTracked {
			continue
		}
		adjustments = append(adjustments, stock.AdjustInput{
			ProductID: l.ProductID,
			Delta:     -l.Quantity,
			Type:      stock.MovementSale,
			Reference: ref,
			Note:      sale.Number,
			ActorID:   input.ActorID,
			Validate:  true,
			Line:      i + 1,
		})
	}
	if len(adjustments) > 0 {
		if _, err := s.stock.AdjustMany(ctx, adjustments); err != nil {
			return Sale{}, false, err
		}
	}

	if sale.Total.IsPositive() {
		_, err := s.ledger.Post(ctx, ledger.PostingInput{
			Reference:  ref,
			Memo:       "sale " + sale.Number,
			ActorID:    input.ActorID,
			OccurredAt: now,
			Lines:      revenueLines(sale, customer),
		})
		if err != nil {
			return Sale{}, false, err
		}
	}
	if payment.Method == PaymentCredit && s.parties != nil {
		if err := s.parties.AdjustOutstanding(ctx, customer, sale.Total); err != nil {
			return Sale{}, false, err
		}
	}
	if sale.LoyaltyPoints > 0 && s.parties != nil {
		if err := s.parties.AwardLoyalty(ctx, customer.ID, sale.LoyaltyPoints); err != nil {
			return Sale{}, false, err
		}
	}
	return sale, false, nil
}

// settlePayment fills tender amounts for single-tender methods and checks split tenders.
func (s *Service) settlePayment(ref shared.Reference, p Payment, total decimal.Decimal) (Payment, error) {
	out := Payment{Method: p.Method}
	switch p.Method {
	case PaymentCash:
		out.Cash = total
	case PaymentCard:
		out.Card = total
	case PaymentUPI:
		out.Digital = total
	case PaymentCredit:
	case PaymentSplit:
		if p.Cash.IsNegative() || p.Card.IsNegative() || p.Digital.IsNegative() {
			return Payment{}, shared.Fail("sales.create", ref, shared.ErrValidation, "negative tender")
		}
		if p.Tendered().IsZero() && total.IsPositive() {
			return Payment{}, shared.Fail("sales.create", ref, shared.ErrValidation, "split payment without a tender")
		}
		if !SplitMatches(p, total, s.epsilon) {
			detail := fmt.Sprintf("tendered %s, total %s", p.Tendered().StringFixed(2), total.StringFixed(2))
			return Payment{}, shared.Fail("sales.create", ref, shared.ErrSplitMismatch, detail)
		}
		out.Cash, out.Card, out.Digital = p.Cash, p.Card, p.Digital
	default:
		return Payment{}, shared.Fail("sales.create", ref, shared.ErrValidation, "unknown payment method "+string(p.Method))
	}
	return out, nil
}

// revenueLines debits the tenders (or the customer on credit) and credits SALES.
// Split tenders within epsilon of the total absorb the difference in the first
// non-zero tender so the posting stays exact.
func revenueLines(sale Sale, customer ledger.Party) []ledger.Line {
	total := sale.Total
	if sale.Payment.Method == PaymentCredit {
		return []ledger.Line{
			ledger.Debit(ledger.AccountCustomer, customer, total),
			ledger.Credit(ledger.AccountSales, ledger.Party{}, total),
		}
	}
	tenders := []struct {
		account ledger.AccountType
		amount  decimal.Decimal
	}{
		{ledger.AccountCash, sale.Payment.Cash},
		{ledger.AccountCard, sale.Payment.Card},
		{ledger.AccountUPI, sale.Payment.Digital},
	}
	// the tolerated split difference is absorbed by the tenders in order,
	// never driving one below zero
	diff := total.Sub(sale.Payment.Tendered())
	var lines []ledger.Line
	for _, t := range tenders {
		amount := t.amount
		if !amount.IsPositive() {
			continue
		}
		absorbed := decimal.Max(diff, amount.Neg())
		amount = amount.Add(absorbed)
		diff = diff.Sub(absorbed)
		if amount.IsPositive() {
			lines = append(lines, ledger.Debit(t.account, ledger.Party{}, amount))
		}
	}
	if diff.IsPositive() {
		lines = append(lines, ledger.Debit(ledger.AccountCash, ledger.Party{}, diff))
	}
	return append(lines, ledger.Credit(ledger.AccountSales, ledger.Party{}, total))
}

// GetSale returns a sale.
func (s *Service) GetSale(ctx context.Context, id uuid.UUID) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSales returns sales.
func (s *Service) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	return s.repo.ListSales(ctx, filter)
}

// GetOrder returns an online order.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// PlaceOrder stores a PLACED order and reserves its stock.
func (s *Service) PlaceOrder(ctx context.Context, input PlaceOrderInput) (Order, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Order{}, err
	}
	now := s.now()
	order := Order{
		ID:         uuid.New(),
		CustomerID: input.CustomerID,
		Status:     OrderPlaced,
		CreatedBy:  input.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.Number = shared.DocumentNumber(shared.RefOrder, order.ID, now)
	for i, item := range input.Items {
		if item.LineDiscount.IsNegative() {
			return Order{}, shared.FailLine("sales.order", order.Ref(), i+1, shared.ErrValidation, "negative line discount")
		}
		order.Lines = append(order.Lines, OrderLine{ProductID: item.ProductID, Quantity: item.Quantity, LineDiscount: item.LineDiscount})
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, l := range byProduct(order.Lines) {
			if err := s.stock.Reserve(ctx, l.ProductID, l.Quantity, order.Ref()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.Rejection("order", shared.Reason(err))
		return Order{}, err
	}
	s.metrics.Transition("order", string(order.Status))
	s.recordAudit(ctx, input.ActorID, "sales.order.place", "order", order.ID, map[string]any{"number": order.Number})
	return order, nil
}

// FulfillOrder releases the reservation and runs the sale path for the order
// lines in the same unit of work.
func (s *Service) FulfillOrder(ctx context.Context, input FulfillInput) (Sale, error) {
	if err := shared.ValidateStruct(input); err != nil {
		return Sale{}, err
	}
	ref := shared.Ref(shared.RefOrder, input.OrderID)
	var (
		sale  Sale
		order Order
	)
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, input.OrderID)
			if err != nil {
				return err
			}
			if !order.Status.Open() {
				return shared.Fail("sales.fulfill", ref, shared.ErrInvalidState, "status "+string(order.Status))
			}
			if err := s.release(ctx, order); err != nil {
				return err
			}
			items := make([]ItemInput, 0, len(order.Lines))
			for _, l := range order.Lines {
				items = append(items, ItemInput{ProductID: l.ProductID, Quantity: l.Quantity, LineDiscount: l.LineDiscount})
			}
			sale, _, err = s.createSale(ctx, tx, SaleInput{
				Channel:        ChannelOnline,
				CustomerID:     order.CustomerID,
				Items:          items,
				BillDiscount:   input.BillDiscount,
				Payment:        input.Payment,
				IdempotencyKey: input.IdempotencyKey,
				ActorID:        input.ActorID,
			}, &order.ID)
			if err != nil {
				return err
			}
			order.Status = OrderFulfilled
			order.SaleID = &sale.ID
			order.UpdatedAt = s.now()
			return tx.UpdateOrder(ctx, order)
		})
	})
	if err != nil {
		s.metrics.Rejection("order", shared.Reason(err))
		return Sale{}, err
	}
	s.metrics.Transition("order", string(order.Status))
	s.completed(ctx, sale)
	return sale, nil
}

// CancelOrder releases the reservation of a PLACED order.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID, actorID int64) (Order, error) {
	ref := shared.Ref(shared.RefOrder, id)
	var order Order
	err := shared.WithDocumentLock(ctx, s.locker, ref, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			order, err = tx.GetOrderForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !order.Status.Open() {
				return shared.Fail("sales.cancel", ref, shared.ErrInvalidState, "status "+string(order.Status))
			}
			if err := s.release(ctx, order); err != nil {
				return err
			}
			order.Status = OrderCancelled
			order.UpdatedAt = s.now()
			return tx.UpdateOrder(ctx, order)
		})
	})
	if err != nil {
		s.metrics.Rejection("order", shared.Reason(err))
		return Order{}, err
	}
	s.metrics.Transition("order", string(order.Status))
	s.recordAudit(ctx, actorID, "sales.order.cancel", "order", order.ID, nil)
	return order, nil
}

// CommittedByProduct sums what open orders hold per product.
func (s *Service) CommittedByProduct(ctx context.Context) (map[uuid.UUID]int64, error) {
	return s.repo.OpenCommitments(ctx)
}

// CommittedFor sums what open orders hold of one product.
func (s *Service) CommittedFor(ctx context.Context, productID uuid.UUID) (int64, error) {
	return s.repo.OpenCommitment(ctx, productID)
}

func (s *Service) release(ctx context.Context, order Order) error {
	for _, l := range byProduct(order.Lines) {
		if err := s.stock.Release(ctx, l.ProductID, l.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) completed(ctx context.Context, sale Sale) {
	s.metrics.Transition("sale", "CREATED")
	s.logger.Info("sale recorded",
		slog.String("number", sale.Number),
		slog.String("total", sale.Total.StringFixed(2)),
		slog.String("payment", string(sale.Payment.Method)))
	s.recordAudit(ctx, sale.CreatedBy, "sales.create", "sale", sale.ID, map[string]any{
		"number":  sale.Number,
		"total":   sale.Total.StringFixed(2),
		"payment": string(sale.Payment.Method),
	})
}

// byProduct merges lines per product in ascending id order so concurrent
// reservations lock product rows in the same sequence.
func byProduct(lines []OrderLine) []OrderLine {
	merged := make(map[uuid.UUID]int64, len(lines))
	for _, l := range lines {
		merged[l.ProductID] += l.Quantity
	}
	out := make([]OrderLine, 0, len(merged))
	for id, qty := range merged {
		out = append(out, OrderLine{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ProductID[:], out[j].ProductID[:]) < 0
	})
	return out
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actorID, Action: action, Entity: entity, EntityID: id.String(), Meta: meta}); err != nil {
		s.logger.Warn("sales audit", slog.String("action", action), slog.Any("error", err))
	}
}
