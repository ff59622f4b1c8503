package httptransport

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/catalog"
	"github.com/vladislavdragonenkov/ordersdata/internal/service/ordering"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// placeOrderRequest — тело POST /api/orders.
type placeOrderRequest struct {
	ClientID         string `json:"client_id"         validate:"required,max=32"`
	ProductID        int64  `json:"product_id"        validate:"gt=0"`
	RequiredQuantity int32  `json:"required_quantity" validate:"gt=0"`
}

func (r *placeOrderRequest) toModel() ordering.PlaceOrderRequest {
	return ordering.PlaceOrderRequest{
		ClientID:         r.ClientID,
		ProductID:        r.ProductID,
		RequiredQuantity: r.RequiredQuantity,
	}
}

// createClientRequest — тело POST /api/clients.
type createClientRequest struct {
	ID    string          `json:"id"    validate:"required,max=32"`
	Name  string          `json:"name"  validate:"required,max=50"`
	Quota decimal.Decimal `json:"quota"`
}

func (r *createClientRequest) toModel() domain.Client {
	return domain.Client{ID: r.ID, Name: r.Name, Quota: r.Quota}
}

// createProductRequest — тело POST /api/products.
type createProductRequest struct {
	Name      string          `json:"name"       validate:"required,max=20"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (r *createProductRequest) toModel() domain.Product {
	return domain.Product{Name: r.Name, UnitPrice: r.UnitPrice}
}

type productResponse struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Version   int64           `json:"version"`
}

type orderResponse struct {
	ID               int64            `json:"id"`
	CreatedAt        time.Time        `json:"created_at"`
	ClientID         string           `json:"client_id"`
	ProductID        int64            `json:"product_id"`
	Product          *productResponse `json:"product,omitempty"`
	RequiredQuantity int32            `json:"required_quantity"`
	Price            decimal.Decimal  `json:"price"`
}

type clientResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Quota       decimal.Decimal `json:"quota"`
	OrdersTotal decimal.Decimal `json:"orders_total"`
	Version     int64           `json:"version"`
	Orders      []orderResponse `json:"orders,omitempty"`
}

type clientTotalResponse struct {
	Client clientResponse  `json:"client"`
	Total  decimal.Decimal `json:"total"`
}

func newProductResponse(p domain.Product) productResponse {
	return productResponse{ID: p.ID, Name: p.Name, UnitPrice: p.UnitPrice, Version: p.Version}
}

func newOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		ID:               o.ID,
		CreatedAt:        o.CreatedAt.UTC(),
		ClientID:         o.ClientID,
		ProductID:        o.ProductID,
		RequiredQuantity: o.RequiredQuantity,
		Price:            o.Price,
	}
	if o.Product != nil {
		product := newProductResponse(*o.Product)
		resp.Product = &product
	}
	return resp
}

func newClientResponse(c domain.Client) clientResponse {
	resp := clientResponse{
		ID:          c.ID,
		Name:        c.Name,
		Quota:       c.Quota,
		OrdersTotal: c.OrdersTotal,
		Version:     c.Version,
	}
	if len(c.Orders) > 0 {
		resp.Orders = mapSlice(c.Orders, newOrderResponse)
	}
	return resp
}

func newClientTotalResponse(t catalog.ClientOrdersTotal) clientTotalResponse {
	return clientTotalResponse{Client: newClientResponse(t.Client), Total: t.Total}
}

// mapSlice всегда возвращает не-nil срез, чтобы пустой список кодировался как [].
func mapSlice[T, R any](items []T, fn func(T) R) []R {
	result := make([]R, 0, len(items))
	for _, item := range items {
		result = append(result, fn(item))
	}
	return result
}
