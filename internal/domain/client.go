package domain

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	// MaxClientIDLength ограничивает длину строкового идентификатора клиента.
	MaxClientIDLength = 32
	// MaxClientNameLength ограничивает длину имени клиента.
	MaxClientNameLength = 50
)

// IncludeOrders подгружает заказы клиента.
const IncludeOrders = "Orders"

// IncludeOrdersProduct подгружает заказы клиента вместе с товарами.
const IncludeOrdersProduct = "Orders.Product"

// Client — покупатель с кредитной квотой.
type Client struct {
	ID   string
	Name string
	// Quota уменьшается на стоимость каждого оформленного заказа.
	Quota decimal.Decimal
	// OrdersTotal — накопленная сумма оформленных заказов, обновляется вместе с Quota.
	OrdersTotal decimal.Decimal
	// Orders заполняется только при include "Orders" и никогда не сохраняется через клиента.
	Orders  []Order
	Version int64
}

// Validate проверяет инварианты клиента перед созданием и возвращает список замечаний.
func (c *Client) Validate() []error {
	var errs []error
	switch {
	case c.ID == "":
		errs = append(errs, ErrClientIDRequired)
	case utf8.RuneCountInString(c.ID) > MaxClientIDLength:
		errs = append(errs, ErrClientIDTooLong)
	}
	switch {
	case c.Name == "":
		errs = append(errs, ErrNameRequired)
	case utf8.RuneCountInString(c.Name) > MaxClientNameLength:
		errs = append(errs, ErrNameTooLong)
	}
	if c.Quota.IsNegative() {
		errs = append(errs, ErrQuotaNegative)
	}
	return errs
}

// OrdersSum пересчитывает сумму зафиксированных цен по загруженным заказам.
func (c *Client) OrdersSum() decimal.Decimal {
	total := decimal.Zero
	for _, order := range c.Orders {
		total = total.Add(order.Price)
	}
	return total
}
