package postgres

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// table описывает отображение сущности на таблицу: ключ, колонки данных и версию.
type table[ID comparable, E any] struct {
	kind    domain.EntityKind
	name    string
	columns []string
	// generated — ключ выдаёт БД (BIGSERIAL).
	generated  bool
	key        func(E) ID
	assignKey  func(*E, int64)
	version    func(E) int64
	setVersion func(*E, int64)
	values     func(E) []any
	scan       func(rowScanner) (E, error)
	includes   map[string]func(ctx context.Context, q querier, items []E) error
}

func (t *table[ID, E]) selectColumns() []string {
	cols := make([]string, 0, len(t.columns)+2)
	cols = append(cols, "id")
	cols = append(cols, t.columns...)
	return append(cols, "version")
}

func (t *table[ID, E]) selectBuilder() sq.SelectBuilder {
	return psql.Select(t.selectColumns()...).From(t.name)
}

func (t *table[ID, E]) queryAll(ctx context.Context, q querier, builder sq.SelectBuilder) ([]E, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s select: %w", t.kind, err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.kind, err)
	}
	defer rows.Close()

	result := make([]E, 0)
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.kind, err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", t.kind, err)
	}
	return result, nil
}

func (t *table[ID, E]) resolve(ctx context.Context, q querier, items []E, include []string) error {
	for _, path := range include {
		fn, ok := t.includes[path]
		if !ok {
			return fmt.Errorf("%w: %s.%s", domain.ErrUnknownInclude, t.kind, path)
		}
		if len(items) == 0 {
			continue
		}
		if err := fn(ctx, q, items); err != nil {
			return fmt.Errorf("include %s: %w", path, err)
		}
	}
	return nil
}

var clientsTable = &table[string, domain.Client]{
	kind:       domain.KindClient,
	name:       "clients",
	columns:    []string{"name", "quota", "orders_total"},
	key:        func(c domain.Client) string { return c.ID },
	version:    func(c domain.Client) int64 { return c.Version },
	setVersion: func(c *domain.Client, v int64) { c.Version = v },
	values: func(c domain.Client) []any {
		return []any{c.Name, c.Quota, c.OrdersTotal}
	},
	scan: func(row rowScanner) (domain.Client, error) {
		var c domain.Client
		err := row.Scan(&c.ID, &c.Name, &c.Quota, &c.OrdersTotal, &c.Version)
		return c, err
	},
	includes: map[string]func(context.Context, querier, []domain.Client) error{
		domain.IncludeOrders: func(ctx context.Context, q querier, clients []domain.Client) error {
			return attachOrders(ctx, q, clients, false)
		},
		domain.IncludeOrdersProduct: func(ctx context.Context, q querier, clients []domain.Client) error {
			return attachOrders(ctx, q, clients, true)
		},
	},
}

var productsTable = &table[int64, domain.Product]{
	kind:       domain.KindProduct,
	name:       "products",
	columns:    []string{"name", "unit_price"},
	generated:  true,
	key:        func(p domain.Product) int64 { return p.ID },
	assignKey:  func(p *domain.Product, id int64) { p.ID = id },
	version:    func(p domain.Product) int64 { return p.Version },
	setVersion: func(p *domain.Product, v int64) { p.Version = v },
	values: func(p domain.Product) []any {
		return []any{p.Name, p.UnitPrice}
	},
	scan: func(row rowScanner) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Version)
		return p, err
	},
	includes: map[string]func(context.Context, querier, []domain.Product) error{},
}

var ordersTable = &table[int64, domain.Order]{
	kind:       domain.KindOrder,
	name:       "orders",
	columns:    []string{"created_at", "client_id", "product_id", "required_quantity", "price"},
	generated:  true,
	key:        func(o domain.Order) int64 { return o.ID },
	assignKey:  func(o *domain.Order, id int64) { o.ID = id },
	version:    func(o domain.Order) int64 { return o.Version },
	setVersion: func(o *domain.Order, v int64) { o.Version = v },
	values: func(o domain.Order) []any {
		return []any{o.CreatedAt.UTC(), o.ClientID, o.ProductID, o.RequiredQuantity, o.Price}
	},
	scan: func(row rowScanner) (domain.Order, error) {
		var o domain.Order
		err := row.Scan(&o.ID, &o.CreatedAt, &o.ClientID, &o.ProductID, &o.RequiredQuantity, &o.Price, &o.Version)
		return o, err
	},
	includes: map[string]func(context.Context, querier, []domain.Order) error{
		domain.IncludeProduct: attachProducts,
	},
}

// attachOrders загружает заказы клиентов одним запросом, упорядочивая их по id.
func attachOrders(ctx context.Context, q querier, clients []domain.Client, withProduct bool) error {
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}

	orders, err := ordersTable.queryAll(ctx, q, ordersTable.selectBuilder().
		Where(sq.Eq{"client_id": ids}).
		OrderBy("id"))
	if err != nil {
		return err
	}
	if withProduct {
		if err := attachProducts(ctx, q, orders); err != nil {
			return err
		}
	}

	byClient := make(map[string][]domain.Order, len(clients))
	for _, o := range orders {
		byClient[o.ClientID] = append(byClient[o.ClientID], o)
	}
	for i := range clients {
		list := byClient[clients[i].ID]
		if list == nil {
			list = make([]domain.Order, 0)
		}
		clients[i].Orders = list
	}
	return nil
}

func attachProducts(ctx context.Context, q querier, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	seen := make(map[int64]struct{}, len(orders))
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.ProductID]; ok {
			continue
		}
		seen[o.ProductID] = struct{}{}
		ids = append(ids, o.ProductID)
	}

	products, err := productsTable.queryAll(ctx, q, productsTable.selectBuilder().Where(sq.Eq{"id": ids}))
	if err != nil {
		return err
	}

	byID := make(map[int64]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	for i := range orders {
		if p, ok := byID[orders[i].ProductID]; ok {
			orders[i].Product = &p
		}
	}
	return nil
}
