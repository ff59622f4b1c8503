package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IncludeProduct подгружает товар заказа.
const IncludeProduct = "Product"

// Order — заказ клиента на один товар. После создания не изменяется.
type Order struct {
	// ID назначается хранилищем при commit.
	ID        int64
	CreatedAt time.Time
	ClientID  string
	ProductID int64
	// Product заполняется только при include "Product".
	Product          *Product
	RequiredQuantity int32
	// Price — цена на момент оформления: UnitPrice × RequiredQuantity.
	Price   decimal.Decimal
	Version int64
}

// NewOrder собирает заказ и фиксирует его цену по текущей цене товара.
func NewOrder(client Client, product Product, qty int32, now time.Time) Order {
	return Order{
		CreatedAt:        now,
		ClientID:         client.ID,
		ProductID:        product.ID,
		RequiredQuantity: qty,
		Price:            product.UnitPrice.Mul(decimal.NewFromInt32(qty)),
	}
}

// PlacedOn сообщает, оформлен ли заказ в тот же календарный день, что и day, в локации loc.
func (o Order) PlacedOn(day time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	y1, m1, d1 := o.CreatedAt.In(loc).Date()
	y2, m2, d2 := day.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// CountPlacedOn считает заказы, оформленные в календарный день day.
func CountPlacedOn(orders []Order, day time.Time, loc *time.Location) int {
	count := 0
	for _, order := range orders {
		if order.PlacedOn(day, loc) {
			count++
		}
	}
	return count
}
