package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// ClientOrdersTotal — клиент с суммой цен его заказов, пересчитанной по загруженным заказам.
type ClientOrdersTotal struct {
	Client domain.Client
	Total  decimal.Decimal
}

// Service — операции чтения и администрирования каталога клиентов, товаров и заказов.
type Service struct {
	uow    domain.UnitOfWorkFactory
	logger *log.Entry
}

// NewService создаёт сервис каталога.
func NewService(uow domain.UnitOfWorkFactory, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "catalog")
	}
	return &Service{uow: uow, logger: logger}
}

// CreateClient сохраняет нового клиента. OrdersTotal нового клиента всегда нулевой.
func (s *Service) CreateClient(ctx context.Context, client domain.Client) (domain.Client, error) {
	client.ID = strings.TrimSpace(client.ID)
	client.OrdersTotal = decimal.Zero
	client.Orders = nil
	if errs := client.Validate(); len(errs) > 0 {
		return domain.Client{}, errors.Join(append([]error{domain.ErrValidation}, errs...)...)
	}

	if err := s.write(ctx, func(uow domain.UnitOfWork) error {
		return uow.Clients().Add(&client)
	}); err != nil {
		return domain.Client{}, fmt.Errorf("create client %s: %w", client.ID, err)
	}

	s.logger.WithField("client_id", client.ID).Info("client created")
	return client, nil
}

// GetClient возвращает клиента вместе с заказами и их товарами.
func (s *Service) GetClient(ctx context.Context, id string) (domain.Client, error) {
	return find(ctx, s, func(uow domain.UnitOfWork) (domain.Client, bool, error) {
		return uow.Clients().Find(ctx, id, domain.IncludeOrdersProduct)
	}, "client "+id)
}

// ListClients возвращает всех клиентов с заказами и товарами, упорядоченных по id.
func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	return list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Client, error) {
		return domain.Collect(uow.Clients().List(ctx, domain.Query[domain.Client]{
			Include: []string{domain.IncludeOrdersProduct},
		}))
	})
}

// ListClientsWithoutOrders возвращает клиентов, у которых нет ни одного заказа.
func (s *Service) ListClientsWithoutOrders(ctx context.Context) ([]domain.Client, error) {
	ctx, span := otel.Tracer("catalog").Start(ctx, "Service.ListClientsWithoutOrders")
	defer span.End()

	return list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Client, error) {
		return domain.Collect(uow.Clients().List(ctx, domain.Query[domain.Client]{
			Include: []string{domain.IncludeOrders},
			Where:   func(c domain.Client) bool { return len(c.Orders) == 0 },
		}))
	})
}

// ListClientsWithOrderTotals возвращает клиентов по возрастанию имени (побайтовое сравнение)
// с суммой цен заказов. Сумма считается по самим заказам, а не берётся из OrdersTotal.
func (s *Service) ListClientsWithOrderTotals(ctx context.Context) ([]ClientOrdersTotal, error) {
	ctx, span := otel.Tracer("catalog").Start(ctx, "Service.ListClientsWithOrderTotals")
	defer span.End()

	clients, err := list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Client, error) {
		return domain.Collect(uow.Clients().List(ctx, domain.Query[domain.Client]{
			Include: []string{domain.IncludeOrders},
			OrderBy: func(a, b domain.Client) int { return cmp.Compare(a.Name, b.Name) },
		}))
	})
	if err != nil {
		return nil, err
	}

	result := make([]ClientOrdersTotal, 0, len(clients))
	for _, client := range clients {
		result = append(result, ClientOrdersTotal{Client: client, Total: client.OrdersSum()})
	}
	return result, nil
}

// CreateProduct сохраняет новый товар; ID назначается хранилищем.
func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	product.ID = 0
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, errors.Join(append([]error{domain.ErrValidation}, errs...)...)
	}

	if err := s.write(ctx, func(uow domain.UnitOfWork) error {
		return uow.Products().Add(&product)
	}); err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}

	s.logger.WithField("product_id", product.ID).Info("product created")
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return find(ctx, s, func(uow domain.UnitOfWork) (domain.Product, bool, error) {
		return uow.Products().Find(ctx, id)
	}, "product "+strconv.FormatInt(id, 10))
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Product, error) {
		return domain.Collect(uow.Products().List(ctx, domain.Query[domain.Product]{
			OrderBy: func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) },
		}))
	})
}

// GetOrder возвращает заказ вместе с товаром.
func (s *Service) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return find(ctx, s, func(uow domain.UnitOfWork) (domain.Order, bool, error) {
		return uow.Orders().Find(ctx, id, domain.IncludeProduct)
	}, "order "+strconv.FormatInt(id, 10))
}

func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Order, error) {
		return domain.Collect(uow.Orders().List(ctx, domain.Query[domain.Order]{
			Include: []string{domain.IncludeProduct},
			OrderBy: byOrderID,
		}))
	})
}

// ListOrdersByClient возвращает заказы клиента с товарами по возрастанию id.
// Неизвестный клиент — ErrEntityNotFound; клиент без заказов — пустой список.
func (s *Service) ListOrdersByClient(ctx context.Context, clientID string) ([]domain.Order, error) {
	ctx, span := otel.Tracer("catalog").Start(ctx, "Service.ListOrdersByClient")
	defer span.End()

	return list(ctx, s, func(uow domain.UnitOfWork) ([]domain.Order, error) {
		_, ok, err := uow.Clients().Find(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: client %s", domain.ErrEntityNotFound, clientID)
		}
		return domain.Collect(uow.Orders().List(ctx, domain.Query[domain.Order]{
			Include: []string{domain.IncludeProduct},
			Where:   func(o domain.Order) bool { return o.ClientID == clientID },
			OrderBy: byOrderID,
		}))
	})
}

func byOrderID(a, b domain.Order) int { return cmp.Compare(a.ID, b.ID) }

// write открывает unit of work, ставит изменения через stage и фиксирует их.
func (s *Service) write(ctx context.Context, stage func(domain.UnitOfWork) error) error {
	uow, err := s.uow.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Discard()

	if err := stage(uow); err != nil {
		return err
	}
	result, err := uow.Commit(ctx)
	if err != nil {
		return err
	}
	if !result.Committed() {
		return fmt.Errorf("%w: %s %s", domain.ErrConcurrentModification, result.Conflict.Kind, result.Conflict.ID)
	}
	return nil
}

func find[E any](ctx context.Context, s *Service, load func(domain.UnitOfWork) (E, bool, error), what string) (E, error) {
	var zero E
	uow, err := s.uow.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Discard()

	entity, ok, err := load(uow)
	if err != nil {
		s.logger.WithError(err).WithField("entity", what).Error("lookup failed")
		return zero, fmt.Errorf("find %s: %w", what, err)
	}
	if !ok {
		return zero, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, what)
	}
	return entity, nil
}

func list[E any](ctx context.Context, s *Service, load func(domain.UnitOfWork) ([]E, error)) ([]E, error) {
	uow, err := s.uow.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Discard()

	items, err := load(uow)
	if err != nil {
		if !errors.Is(err, domain.ErrEntityNotFound) {
			s.logger.WithError(err).Error("list failed")
		}
		return nil, err
	}
	return items, nil
}
