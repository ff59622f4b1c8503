package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/metrics"
)

// DefaultDailyOrderLimit — сколько заказов клиент может оформить за календарный день.
const DefaultDailyOrderLimit = 10

// PlaceOrderRequest — входные данные оформления заказа.
type PlaceOrderRequest struct {
	ClientID         string
	ProductID        int64
	RequiredQuantity int32
}

// OrderPlacedEvent — полезная нагрузка события order.placed в outbox.
type OrderPlacedEvent struct {
	OrderID          int64           `json:"order_id"`
	ClientID         string          `json:"client_id"`
	ProductID        int64           `json:"product_id"`
	RequiredQuantity int32           `json:"required_quantity"`
	Price            decimal.Decimal `json:"price"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Service оформляет заказы поверх unit of work.
type Service struct {
	uow                 domain.UnitOfWorkFactory
	now                 func() time.Time
	location            *time.Location
	dailyLimit          int
	rejectNegativeQuota bool
	logger              *log.Entry
	metrics             *metrics.OrderMetrics
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation задаёт часовой пояс, в котором считаются «сутки» для дневного лимита.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithDailyLimit задаёт дневной лимит заказов; значения <= 0 игнорируются.
func WithDailyLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.dailyLimit = limit
		}
	}
}

// WithRejectNegativeQuota запрещает заказы, после которых квота клиента станет отрицательной.
func WithRejectNegativeQuota(reject bool) Option {
	return func(s *Service) {
		s.rejectNegativeQuota = reject
	}
}

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewService создаёт сервис оформления заказов.
func NewService(uow domain.UnitOfWorkFactory, opts ...Option) *Service {
	s := &Service{
		uow:        uow,
		now:        time.Now,
		location:   time.Local,
		dailyLimit: DefaultDailyOrderLimit,
		logger:     log.WithField("component", "ordering"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewOrderMetrics()
	}
	return s
}

// PlaceOrder оформляет заказ: фиксирует цену, списывает квоту клиента и пишет событие order.placed
// в одном commit. Конфликт версий возвращается как ErrConcurrentModification без повторов.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, error) {
	ctx, span := otel.Tracer("ordering").Start(ctx, "Service.PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.client_id", req.ClientID),
		attribute.Int64("order.product_id", req.ProductID),
		attribute.Int("order.required_quantity", int(req.RequiredQuantity)),
	)

	started := time.Now()
	s.metrics.RecordStarted()

	order, err := s.placeOrder(ctx, req)
	if err != nil {
		s.metrics.RecordRejected(rejectReason(err), time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		entry := s.logger.WithError(err).WithFields(log.Fields{
			"client_id":  req.ClientID,
			"product_id": req.ProductID,
			"quantity":   req.RequiredQuantity,
		})
		if rejectReason(err) == metrics.ReasonInternal {
			entry.Error("place order failed")
		} else {
			entry.Warn("order rejected")
		}
		return domain.Order{}, err
	}

	s.metrics.RecordPlaced(order.Price.InexactFloat64(), time.Since(started))
	span.SetAttributes(attribute.Int64("order.id", order.ID))
	s.logger.WithFields(log.Fields{
		"order_id":  order.ID,
		"client_id": order.ClientID,
		"price":     order.Price.String(),
	}).Info("order placed")
	return order, nil
}

func (s *Service) placeOrder(ctx context.Context, req PlaceOrderRequest) (domain.Order, error) {
	if err := validateRequest(req); err != nil {
		return domain.Order{}, err
	}

	uow, err := s.uow.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Discard()

	var (
		client                    domain.Client
		product                   domain.Product
		clientFound, productFound bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		client, clientFound, err = uow.Clients().Find(gctx, req.ClientID, domain.IncludeOrders)
		if err != nil {
			return fmt.Errorf("find client %s: %w", req.ClientID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		product, productFound, err = uow.Products().Find(gctx, req.ProductID)
		if err != nil {
			return fmt.Errorf("find product %d: %w", req.ProductID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Order{}, err
	}

	if !clientFound || !productFound {
		var missing []string
		if !clientFound {
			missing = append(missing, "client "+req.ClientID)
		}
		if !productFound {
			missing = append(missing, "product "+strconv.FormatInt(req.ProductID, 10))
		}
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, strings.Join(missing, ", "))
	}

	now := s.now()
	if count := domain.CountPlacedOn(client.Orders, now, s.location); count >= s.dailyLimit {
		return domain.Order{}, fmt.Errorf("%w: client %s has %d orders today (limit %d)",
			domain.ErrDailyLimitExceeded, client.ID, count, s.dailyLimit)
	}

	order := domain.NewOrder(client, product, req.RequiredQuantity, now)
	client.Quota = client.Quota.Sub(order.Price)
	client.OrdersTotal = client.OrdersTotal.Add(order.Price)
	if s.rejectNegativeQuota && client.Quota.IsNegative() {
		return domain.Order{}, fmt.Errorf("%w: client %s quota would become %s",
			domain.ErrQuotaExceeded, client.ID, client.Quota.String())
	}
	client.Orders = nil

	if err := uow.Orders().Add(&order); err != nil {
		return domain.Order{}, fmt.Errorf("stage order: %w", err)
	}
	if err := uow.Clients().Update(client); err != nil {
		return domain.Order{}, fmt.Errorf("stage client: %w", err)
	}
	if err := uow.Outbox().EnqueueFunc(func() (domain.OutboxMessage, error) {
		return orderPlacedMessage(order)
	}); err != nil {
		return domain.Order{}, fmt.Errorf("stage order event: %w", err)
	}

	result, err := uow.Commit(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("commit order: %w", err)
	}
	if !result.Committed() {
		return domain.Order{}, fmt.Errorf("%w: %s %s changed since it was read",
			domain.ErrConcurrentModification, result.Conflict.Kind, result.Conflict.ID)
	}
	return order, nil
}

func validateRequest(req PlaceOrderRequest) error {
	var errs []error
	if strings.TrimSpace(req.ClientID) == "" {
		errs = append(errs, domain.ErrClientIDRequired)
	}
	if req.ProductID <= 0 {
		errs = append(errs, domain.ErrProductIDInvalid)
	}
	if req.RequiredQuantity <= 0 {
		errs = append(errs, domain.ErrQuantityInvalid)
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{domain.ErrValidation}, errs...)...)
}

// orderPlacedMessage вызывается во время commit, когда ID заказа уже назначен.
func orderPlacedMessage(order domain.Order) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(OrderPlacedEvent{
		OrderID:          order.ID,
		ClientID:         order.ClientID,
		ProductID:        order.ProductID,
		RequiredQuantity: order.RequiredQuantity,
		Price:            order.Price,
		CreatedAt:        order.CreatedAt.UTC(),
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order.placed: %w", err)
	}
	return domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     domain.EventTypeOrderPlaced,
		Payload:       payload,
	}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return metrics.ReasonValidation
	case errors.Is(err, domain.ErrEntityNotFound):
		return metrics.ReasonNotFound
	case errors.Is(err, domain.ErrDailyLimitExceeded):
		return metrics.ReasonDailyLimit
	case errors.Is(err, domain.ErrQuotaExceeded):
		return metrics.ReasonQuota
	case errors.Is(err, domain.ErrConcurrentModification):
		return metrics.ReasonConflict
	default:
		return metrics.ReasonInternal
	}
}
