package domain

import (
	"context"
	"iter"
	"slices"
	"sync/atomic"
)

// EntityKind называет тип сущности в конфликтах и логах.
type EntityKind string

const (
	KindClient  EntityKind = "client"
	KindProduct EntityKind = "product"
	KindOrder   EntityKind = "order"
)

// Query описывает выборку из репозитория.
// Фильтр и сортировка применяются после загрузки связанных сущностей,
// поэтому предикат может смотреть, например, на Client.Orders.
type Query[E any] struct {
	Where   func(E) bool
	OrderBy func(a, b E) int
	Include []string
}

// Apply фильтрует и сортирует загруженные сущности, не изменяя исходный срез.
func (q Query[E]) Apply(items []E) []E {
	result := make([]E, 0, len(items))
	for _, item := range items {
		if q.Where != nil && !q.Where(item) {
			continue
		}
		result = append(result, item)
	}
	if q.OrderBy != nil {
		slices.SortStableFunc(result, q.OrderBy)
	}
	return result
}

// Repository — CRUD над одним типом сущностей в рамках UnitOfWork.
// Add, Update и Delete только ставят изменения в очередь; запись происходит в UnitOfWork.Commit.
type Repository[ID comparable, E any] interface {
	// Add ставит сущность на вставку. Для числовых ключей ID и Version проставляются в entity при commit.
	Add(entity *E) error
	// Find возвращает сущность и found=false, если её нет. Отсутствие записи не является ошибкой.
	Find(ctx context.Context, id ID, include ...string) (E, bool, error)
	// List возвращает ленивую одноразовую последовательность; каждый вызов List — новый запрос.
	List(ctx context.Context, q Query[E]) iter.Seq2[E, error]
	// Update ставит сущность на обновление с проверкой версии.
	Update(entity E) error
	// Delete ставит сущность на удаление с проверкой версии.
	Delete(entity E) error
}

// OutboxWriter ставит событие в transactional outbox в рамках того же commit.
type OutboxWriter interface {
	Enqueue(msg OutboxMessage) error
	// EnqueueFunc откладывает построение сообщения до commit, когда вставленные
	// ранее сущности уже получили ключи. Ошибка build отменяет весь commit.
	EnqueueFunc(build func() (OutboxMessage, error)) error
}

// UnitOfWork объединяет репозитории с общим набором ожидающих изменений.
type UnitOfWork interface {
	Clients() Repository[string, Client]
	Products() Repository[int64, Product]
	Orders() Repository[int64, Order]
	Outbox() OutboxWriter
	// Commit атомарно применяет все изменения. Конфликт версий возвращается в CommitResult, а не ошибкой.
	// После Commit unit of work закрыт независимо от результата.
	Commit(ctx context.Context) (CommitResult, error)
	// Discard отбрасывает ожидающие изменения. Повторный вызов безопасен.
	Discard()
}

// UnitOfWorkFactory открывает UnitOfWork на время одной логической операции.
type UnitOfWorkFactory interface {
	Begin(ctx context.Context) (UnitOfWork, error)
}

// Conflict описывает запись, изменённую конкурентно после чтения.
type Conflict struct {
	Kind EntityKind
	ID   string
	// Fresh — актуальное состояние записи в хранилище (nil, если запись удалена).
	Fresh any
}

// CommitResult — результат фиксации: Committed либо Conflict.
type CommitResult struct {
	Conflict *Conflict
}

// Committed сообщает, что изменения записаны.
func (r CommitResult) Committed() bool {
	return r.Conflict == nil
}

// OnceSeq превращает отложенную выборку в последовательность, которую можно прочитать один раз.
// fetch вызывается только при первом range.
func OnceSeq[E any](fetch func() ([]E, error)) iter.Seq2[E, error] {
	var used atomic.Bool
	return func(yield func(E, error) bool) {
		var zero E
		if !used.CompareAndSwap(false, true) {
			yield(zero, ErrSequenceConsumed)
			return
		}
		items, err := fetch()
		if err != nil {
			yield(zero, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect дочитывает последовательность в срез, останавливаясь на первой ошибке.
func Collect[E any](seq iter.Seq2[E, error]) ([]E, error) {
	result := make([]E, 0)
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, nil
}
