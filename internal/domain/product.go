package domain

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// MaxProductNameLength ограничивает длину названия товара.
const MaxProductNameLength = 20

// Product — товар каталога. Процесс оформления заказа только читает цену.
type Product struct {
	ID        int64
	Name      string
	UnitPrice decimal.Decimal
	Version   int64
}

// Validate проверяет инварианты товара и возвращает список замечаний.
func (p *Product) Validate() []error {
	var errs []error
	switch {
	case p.Name == "":
		errs = append(errs, ErrNameRequired)
	case utf8.RuneCountInString(p.Name) > MaxProductNameLength:
		errs = append(errs, ErrNameTooLong)
	}
	if p.UnitPrice.IsNegative() {
		errs = append(errs, ErrPriceNegative)
	}
	return errs
}
