package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// table хранит записи одного типа и знает, как работать с их ключом и версией.
type table[ID cmp.Ordered, E any] struct {
	kind domain.EntityKind
	rows map[ID]E
	// seq — последний выданный числовой ключ.
	seq        int64
	key        func(E) ID
	assignKey  func(*E, int64)
	version    func(E) int64
	setVersion func(*E, int64)
	// detach убирает связанные сущности перед сохранением.
	detach   func(E) E
	includes map[string]func(s *Store, e *E)
}

func (t *table[ID, E]) sorted() []E {
	keys := make([]ID, 0, len(t.rows))
	for id := range t.rows {
		keys = append(keys, id)
	}
	slices.Sort(keys)

	result := make([]E, 0, len(keys))
	for _, id := range keys {
		result = append(result, t.rows[id])
	}
	return result
}

func (t *table[ID, E]) resolve(s *Store, e *E, include []string) error {
	for _, path := range include {
		fn, ok := t.includes[path]
		if !ok {
			return fmt.Errorf("%w: %s.%s", domain.ErrUnknownInclude, t.kind, path)
		}
		fn(s, e)
	}
	return nil
}

// Store — in-memory хранилище клиентов, товаров, заказов и outbox.
// Все изменения применяются под одной блокировкой, что даёт атомарный commit.
type Store struct {
	mu       sync.RWMutex
	clients  *table[string, domain.Client]
	products *table[int64, domain.Product]
	orders   *table[int64, domain.Order]
	outbox   *outboxTable
}

// NewStore создаёт пустое in-memory хранилище для локальной разработки и тестов.
func NewStore() *Store {
	s := &Store{
		clients: &table[string, domain.Client]{
			kind:       domain.KindClient,
			rows:       make(map[string]domain.Client),
			key:        func(c domain.Client) string { return c.ID },
			version:    func(c domain.Client) int64 { return c.Version },
			setVersion: func(c *domain.Client, v int64) { c.Version = v },
			detach: func(c domain.Client) domain.Client {
				c.Orders = nil
				return c
			},
		},
		products: &table[int64, domain.Product]{
			kind:       domain.KindProduct,
			rows:       make(map[int64]domain.Product),
			key:        func(p domain.Product) int64 { return p.ID },
			assignKey:  func(p *domain.Product, id int64) { p.ID = id },
			version:    func(p domain.Product) int64 { return p.Version },
			setVersion: func(p *domain.Product, v int64) { p.Version = v },
			detach:     func(p domain.Product) domain.Product { return p },
		},
		orders: &table[int64, domain.Order]{
			kind:       domain.KindOrder,
			rows:       make(map[int64]domain.Order),
			key:        func(o domain.Order) int64 { return o.ID },
			assignKey:  func(o *domain.Order, id int64) { o.ID = id },
			version:    func(o domain.Order) int64 { return o.Version },
			setVersion: func(o *domain.Order, v int64) { o.Version = v },
			detach: func(o domain.Order) domain.Order {
				o.Product = nil
				return o
			},
		},
		outbox: newOutboxTable(),
	}

	s.clients.includes = map[string]func(*Store, *domain.Client){
		domain.IncludeOrders: func(s *Store, c *domain.Client) {
			c.Orders = s.ordersOf(c.ID, false)
		},
		domain.IncludeOrdersProduct: func(s *Store, c *domain.Client) {
			c.Orders = s.ordersOf(c.ID, true)
		},
	}
	s.orders.includes = map[string]func(*Store, *domain.Order){
		domain.IncludeProduct: func(s *Store, o *domain.Order) {
			o.Product = s.productRef(o.ProductID)
		},
	}
	s.products.includes = map[string]func(*Store, *domain.Product){}

	return s
}

// Begin открывает unit of work поверх хранилища.
func (s *Store) Begin(ctx context.Context) (domain.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newUnitOfWork(s), nil
}

// Ping всегда успешен: in-memory хранилище доступно, пока жив процесс.
func (s *Store) Ping(context.Context) error {
	return nil
}

// ordersOf вызывается под блокировкой чтения.
func (s *Store) ordersOf(clientID string, withProduct bool) []domain.Order {
	result := make([]domain.Order, 0)
	for _, order := range s.orders.sorted() {
		if order.ClientID != clientID {
			continue
		}
		if withProduct {
			order.Product = s.productRef(order.ProductID)
		}
		result = append(result, order)
	}
	return result
}

func (s *Store) productRef(id int64) *domain.Product {
	product, ok := s.products.rows[id]
	if !ok {
		return nil
	}
	return &product
}

var (
	_ domain.UnitOfWorkFactory = (*Store)(nil)
	_ domain.Pinger            = (*Store)(nil)
)
