// Package httptransport публикует сервисы заказов и каталога как JSON API поверх chi.
package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
)

const defaultIdempotencyTTL = 24 * time.Hour

// OrderPlacer оформляет заказ.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req ordering.PlaceOrderRequest) (domain.Order, error)
}

// Catalog — операции чтения и заведения клиентов, товаров и заказов.
type Catalog interface {
	CreateClient(ctx context.Context, client domain.Client) (domain.Client, error)
	GetClient(ctx context.Context, id string) (domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	ListClientsWithoutOrders(ctx context.Context) ([]domain.Client, error)
	ListClientsWithOrderTotals(ctx context.Context) ([]catalog.ClientOrdersTotal, error)
	CreateProduct(ctx context.Context, product domain.Product) (domain.Product, error)
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	ListOrdersByClient(ctx context.Context, clientID string) ([]domain.Order, error)
}

// Server собирает HTTP-обработчики API.
type Server struct {
	orders          OrderPlacer
	catalog         Catalog
	idempotencyRepo domain.IdempotencyRepository
	idempotencyTTL  time.Duration
	logger          *log.Entry
	now             func() time.Time
}

// Option настраивает Server.
type Option func(*Server)

// WithIdempotency включает обработку Idempotency-Key для POST /api/orders.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(s *Server) {
		s.idempotencyRepo = repo
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer создаёт HTTP-сервер API.
func NewServer(orders OrderPlacer, catalog Catalog, opts ...Option) *Server {
	s := &Server{
		orders:         orders,
		catalog:        catalog,
		idempotencyTTL: defaultIdempotencyTTL,
		logger:         log.WithField("component", "http-api"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler возвращает chi-роутер со всеми маршрутами API.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(s.logger))
	router.Use(tracing)

	router.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.With(s.idempotency).Post("/", s.placeOrder)
			r.Get("/", s.listOrders)
			r.Get("/{id}", s.getOrder)
		})
		r.Route("/clients", func(r chi.Router) {
			r.Post("/", s.createClient)
			r.Get("/", s.listClients)
			r.Get("/without-orders", s.listClientsWithoutOrders)
			r.Get("/order-totals", s.listClientsWithOrderTotals)
			r.Get("/{id}", s.getClient)
			r.Get("/{id}/orders", s.listOrdersByClient)
		})
		r.Route("/products", func(r chi.Router) {
			r.Post("/", s.createProduct)
			r.Get("/", s.listProducts)
			r.Get("/{id}", s.getProduct)
		})
	})

	return router
}
