package domain

import "errors"

var (
	// ErrValidation — структурно некорректный ввод; отклоняется до любых обращений к хранилищу.
	ErrValidation = errors.New("validation failed")
	// ErrEntityNotFound возвращается, если клиент, товар или заказ не найден.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrDailyLimitExceeded — у клиента уже есть максимальное число заказов за текущие сутки.
	ErrDailyLimitExceeded = errors.New("daily order limit exceeded")
	// ErrConcurrentModification — конфликт optimistic locking при commit; вызывающий может повторить операцию.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrQuotaExceeded — заказ увёл бы квоту клиента в минус (только при включённой проверке).
	ErrQuotaExceeded = errors.New("client quota exceeded")
	// ErrAlreadyExists — сущность с таким идентификатором уже сохранена.
	ErrAlreadyExists = errors.New("entity already exists")

	// Ошибка отсутствующего идентификатора клиента.
	ErrClientIDRequired = errors.New("client id is required")
	// Ошибка слишком длинного идентификатора клиента.
	ErrClientIDTooLong = errors.New("client id must be at most 32 characters")
	// Ошибка отсутствующего имени.
	ErrNameRequired = errors.New("name is required")
	// Ошибка слишком длинного имени.
	ErrNameTooLong = errors.New("name is too long")
	// Ошибка отрицательной квоты при создании клиента.
	ErrQuotaNegative = errors.New("quota must be non-negative")
	// Ошибка отрицательной цены товара.
	ErrPriceNegative = errors.New("unit price must be non-negative")
	// Ошибка некорректного идентификатора товара.
	ErrProductIDInvalid = errors.New("product id must be greater than zero")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQuantityInvalid = errors.New("required quantity must be greater than zero")

	// ErrSequenceConsumed — последовательность из List уже была прочитана.
	ErrSequenceConsumed = errors.New("sequence already consumed")
	// ErrUnitOfWorkClosed — unit of work уже зафиксирован или отброшен.
	ErrUnitOfWorkClosed = errors.New("unit of work is closed")
	// ErrUnknownInclude — запрошена неизвестная связанная сущность.
	ErrUnknownInclude = errors.New("unknown include path")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsRetryable сообщает, имеет ли смысл вызывающему повторить операцию целиком.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
