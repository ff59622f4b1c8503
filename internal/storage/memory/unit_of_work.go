package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// change — отложенное изменение; все методы вызываются под блокировкой записи Store.
// check проверяет версии и выдаёт ключи вставкам, undo отменяет выданное check,
// apply записывает изменение и не может завершиться ошибкой.
type change interface {
	check(s *Store) (*domain.Conflict, error)
	undo(s *Store)
	apply(s *Store)
}

type unitOfWork struct {
	store *Store

	mu      sync.Mutex
	changes []change
	closed  bool

	clients  *repository[string, domain.Client]
	products *repository[int64, domain.Product]
	orders   *repository[int64, domain.Order]
}

func newUnitOfWork(s *Store) *unitOfWork {
	u := &unitOfWork{store: s}
	u.clients = &repository[string, domain.Client]{uow: u, table: s.clients}
	u.products = &repository[int64, domain.Product]{uow: u, table: s.products}
	u.orders = &repository[int64, domain.Order]{uow: u, table: s.orders}
	return u
}

func (u *unitOfWork) Clients() domain.Repository[string, domain.Client]   { return u.clients }
func (u *unitOfWork) Products() domain.Repository[int64, domain.Product] { return u.products }
func (u *unitOfWork) Orders() domain.Repository[int64, domain.Order]     { return u.orders }
func (u *unitOfWork) Outbox() domain.OutboxWriter                        { return u }

// Enqueue ставит событие в outbox; оно станет видно воркеру только после Commit.
func (u *unitOfWork) Enqueue(msg domain.OutboxMessage) error {
	return u.EnqueueFunc(func() (domain.OutboxMessage, error) { return msg, nil })
}

func (u *unitOfWork) EnqueueFunc(build func() (domain.OutboxMessage, error)) error {
	if build == nil {
		return fmt.Errorf("%w: nil outbox builder", domain.ErrValidation)
	}
	return u.stage(&outboxChange{build: build})
}

func (u *unitOfWork) stage(c change) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return domain.ErrUnitOfWorkClosed
	}
	u.changes = append(u.changes, c)
	return nil
}

// Commit проверяет версии всех изменяемых записей и, если конфликтов нет, применяет изменения целиком.
func (u *unitOfWork) Commit(ctx context.Context) (domain.CommitResult, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.CommitResult{}, domain.ErrUnitOfWorkClosed
	}
	u.closed = true
	changes := u.changes
	u.changes = nil
	u.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.CommitResult{}, err
	}

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range changes {
		conflict, err := c.check(s)
		if err != nil || conflict != nil {
			for j := i; j >= 0; j-- {
				changes[j].undo(s)
			}
			return domain.CommitResult{Conflict: conflict}, err
		}
	}
	for _, c := range changes {
		c.apply(s)
	}
	return domain.CommitResult{}, nil
}

func (u *unitOfWork) Discard() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	u.changes = nil
}

func (u *unitOfWork) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// repository — generic-репозиторий одной таблицы в рамках unit of work.
type repository[ID cmp.Ordered, E any] struct {
	uow   *unitOfWork
	table *table[ID, E]
}

func (r *repository[ID, E]) Add(entity *E) error {
	if entity == nil {
		return fmt.Errorf("%w: nil %s", domain.ErrValidation, r.table.kind)
	}
	return r.uow.stage(&addChange[ID, E]{table: r.table, entity: entity})
}

func (r *repository[ID, E]) Update(entity E) error {
	return r.uow.stage(updateChange[ID, E]{table: r.table, entity: entity})
}

func (r *repository[ID, E]) Delete(entity E) error {
	return r.uow.stage(deleteChange[ID, E]{table: r.table, entity: entity})
}

// Find читает сохранённое состояние; изменения, ожидающие Commit, не видны.
func (r *repository[ID, E]) Find(ctx context.Context, id ID, include ...string) (E, bool, error) {
	var zero E
	if r.uow.isClosed() {
		return zero, false, domain.ErrUnitOfWorkClosed
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	s := r.uow.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := r.table.rows[id]
	if !ok {
		return zero, false, nil
	}
	if err := r.table.resolve(s, &entity, include); err != nil {
		return zero, false, err
	}
	return entity, true, nil
}

func (r *repository[ID, E]) List(ctx context.Context, q domain.Query[E]) iter.Seq2[E, error] {
	return domain.OnceSeq(func() ([]E, error) {
		if r.uow.isClosed() {
			return nil, domain.ErrUnitOfWorkClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := r.uow.store
		s.mu.RLock()
		rows := r.table.sorted()
		for i := range rows {
			if err := r.table.resolve(s, &rows[i], q.Include); err != nil {
				s.mu.RUnlock()
				return nil, err
			}
		}
		s.mu.RUnlock()

		return q.Apply(rows), nil
	})
}

type addChange[ID cmp.Ordered, E any] struct {
	table    *table[ID, E]
	entity   *E
	assigned bool
}

func (c *addChange[ID, E]) check(*Store) (*domain.Conflict, error) {
	if c.table.assignKey != nil {
		c.table.seq++
		c.table.assignKey(c.entity, c.table.seq)
		c.assigned = true
		return nil, nil
	}
	id := c.table.key(*c.entity)
	if _, exists := c.table.rows[id]; exists {
		return nil, fmt.Errorf("%w: %s %v", domain.ErrAlreadyExists, c.table.kind, id)
	}
	return nil, nil
}

func (c *addChange[ID, E]) undo(*Store) {
	if !c.assigned {
		return
	}
	c.table.seq--
	c.table.assignKey(c.entity, 0)
	c.assigned = false
}

func (c *addChange[ID, E]) apply(*Store) {
	c.table.setVersion(c.entity, 1)
	c.table.rows[c.table.key(*c.entity)] = c.table.detach(*c.entity)
}

type updateChange[ID cmp.Ordered, E any] struct {
	table  *table[ID, E]
	entity E
}

func (c updateChange[ID, E]) check(*Store) (*domain.Conflict, error) {
	return versionConflict(c.table, c.entity), nil
}

func (updateChange[ID, E]) undo(*Store) {}

func (c updateChange[ID, E]) apply(*Store) {
	entity := c.table.detach(c.entity)
	c.table.setVersion(&entity, c.table.version(c.entity)+1)
	c.table.rows[c.table.key(entity)] = entity
}

type deleteChange[ID cmp.Ordered, E any] struct {
	table  *table[ID, E]
	entity E
}

func (c deleteChange[ID, E]) check(*Store) (*domain.Conflict, error) {
	return versionConflict(c.table, c.entity), nil
}

func (deleteChange[ID, E]) undo(*Store) {}

func (c deleteChange[ID, E]) apply(*Store) {
	delete(c.table.rows, c.table.key(c.entity))
}

// versionConflict сравнивает версию, прочитанную вызывающим, с сохранённой.
func versionConflict[ID cmp.Ordered, E any](t *table[ID, E], entity E) *domain.Conflict {
	id := t.key(entity)
	current, ok := t.rows[id]
	if ok && t.version(current) == t.version(entity) {
		return nil
	}

	conflict := &domain.Conflict{Kind: t.kind, ID: formatKey(id)}
	if ok {
		conflict.Fresh = current
	}
	return conflict
}

func formatKey[ID cmp.Ordered](id ID) string {
	switch v := any(id).(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

type outboxChange struct {
	build func() (domain.OutboxMessage, error)
	msg   domain.OutboxMessage
}

// check строит сообщение: к этому моменту вставки, поставленные раньше, уже получили ключи.
func (c *outboxChange) check(s *Store) (*domain.Conflict, error) {
	msg, err := c.build()
	if err != nil {
		return nil, fmt.Errorf("build outbox message: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.outbox.records[msg.ID]; exists {
		return nil, fmt.Errorf("%w: outbox message %s", domain.ErrAlreadyExists, msg.ID)
	}
	c.msg = msg
	return nil, nil
}

func (c *outboxChange) undo(*Store) {}

func (c *outboxChange) apply(s *Store) {
	s.outbox.insert(c.msg)
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)
