package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ordersdata/internal/domain"
)

// change — отложенное изменение, исполняемое внутри транзакции Commit.
// exec может сразу записать выданный БД ключ в сущность; undo откатывает это при ROLLBACK,
// done вызывается только после успешного COMMIT.
type change interface {
	exec(ctx context.Context, tx *sql.Tx) (*domain.Conflict, error)
	undo()
	done()
}

type unitOfWork struct {
	db *sql.DB

	mu      sync.Mutex
	changes []change
	closed  bool

	clients  *repository[string, domain.Client]
	products *repository[int64, domain.Product]
	orders   *repository[int64, domain.Order]
}

func newUnitOfWork(db *sql.DB) *unitOfWork {
	u := &unitOfWork{db: db}
	u.clients = &repository[string, domain.Client]{uow: u, table: clientsTable}
	u.products = &repository[int64, domain.Product]{uow: u, table: productsTable}
	u.orders = &repository[int64, domain.Order]{uow: u, table: ordersTable}
	return u
}

func (u *unitOfWork) Clients() domain.Repository[string, domain.Client]   { return u.clients }
func (u *unitOfWork) Products() domain.Repository[int64, domain.Product] { return u.products }
func (u *unitOfWork) Orders() domain.Repository[int64, domain.Order]     { return u.orders }
func (u *unitOfWork) Outbox() domain.OutboxWriter                        { return u }

// Enqueue ставит событие в outbox_messages в той же транзакции, что и остальные изменения.
func (u *unitOfWork) Enqueue(msg domain.OutboxMessage) error {
	return u.EnqueueFunc(func() (domain.OutboxMessage, error) { return msg, nil })
}

func (u *unitOfWork) EnqueueFunc(build func() (domain.OutboxMessage, error)) error {
	if build == nil {
		return fmt.Errorf("%w: nil outbox builder", domain.ErrValidation)
	}
	return u.stage(outboxChange{build: build})
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

func (u *unitOfWork) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// Commit исполняет изменения в одной транзакции. UPDATE и DELETE фильтруются по версии;
// если хотя бы одна строка не совпала, транзакция откатывается и возвращается Conflict.
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

	if len(changes) == 0 {
		return domain.CommitResult{}, ctx.Err()
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			for _, c := range changes {
				c.undo()
			}
		}
	}()

	for _, c := range changes {
		conflict, err := c.exec(ctx, tx)
		if err != nil {
			return domain.CommitResult{}, err
		}
		if conflict != nil {
			return domain.CommitResult{Conflict: conflict}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.CommitResult{}, fmt.Errorf("commit tx: %w", err)
	}
	committed = true

	for _, c := range changes {
		c.done()
	}
	return domain.CommitResult{}, nil
}

func (u *unitOfWork) Discard() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	u.changes = nil
}

// repository — generic-репозиторий одной таблицы. Чтения идут мимо транзакции commit.
type repository[ID comparable, E any] struct {
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
	return r.uow.stage(&updateChange[ID, E]{table: r.table, entity: entity})
}

func (r *repository[ID, E]) Delete(entity E) error {
	return r.uow.stage(&deleteChange[ID, E]{table: r.table, entity: entity})
}

func (r *repository[ID, E]) Find(ctx context.Context, id ID, include ...string) (E, bool, error) {
	var zero E
	if r.uow.isClosed() {
		return zero, false, domain.ErrUnitOfWorkClosed
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items, err := r.table.queryAll(queryCtx, r.uow.db, r.table.selectBuilder().Where(sq.Eq{"id": id}))
	if err != nil {
		return zero, false, err
	}
	if len(items) == 0 {
		return zero, false, nil
	}
	if err := r.table.resolve(queryCtx, r.uow.db, items, include); err != nil {
		return zero, false, err
	}
	return items[0], true, nil
}

// List загружает таблицу целиком при первом range; Where и OrderBy применяются после include.
func (r *repository[ID, E]) List(ctx context.Context, q domain.Query[E]) iter.Seq2[E, error] {
	return domain.OnceSeq(func() ([]E, error) {
		if r.uow.isClosed() {
			return nil, domain.ErrUnitOfWorkClosed
		}

		queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()

		items, err := r.table.queryAll(queryCtx, r.uow.db, r.table.selectBuilder().OrderBy("id"))
		if err != nil {
			return nil, err
		}
		if err := r.table.resolve(queryCtx, r.uow.db, items, q.Include); err != nil {
			return nil, err
		}
		return q.Apply(items), nil
	})
}

type addChange[ID comparable, E any] struct {
	table    *table[ID, E]
	entity   *E
	assigned bool
}

func (c *addChange[ID, E]) exec(ctx context.Context, tx *sql.Tx) (*domain.Conflict, error) {
	t := c.table
	columns := slices.Concat(t.columns, []string{"version"})
	values := append(t.values(*c.entity), int64(1))
	if !t.generated {
		columns = slices.Concat([]string{"id"}, columns)
		values = slices.Concat([]any{t.key(*c.entity)}, values)
	}

	builder := psql.Insert(t.name).Columns(columns...).Values(values...)
	if t.generated {
		builder = builder.Suffix("RETURNING id")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s insert: %w", t.kind, err)
	}

	if t.generated {
		var id int64
		err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
		if err == nil {
			t.assignKey(c.entity, id)
			c.assigned = true
		}
	} else {
		_, err = tx.ExecContext(ctx, query, args...)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s %v", domain.ErrAlreadyExists, t.kind, t.key(*c.entity))
		}
		return nil, fmt.Errorf("insert %s: %w", t.kind, err)
	}
	return nil, nil
}

func (c *addChange[ID, E]) undo() {
	if c.assigned {
		c.table.assignKey(c.entity, 0)
		c.assigned = false
	}
}

func (c *addChange[ID, E]) done() {
	c.table.setVersion(c.entity, 1)
}

type updateChange[ID comparable, E any] struct {
	table  *table[ID, E]
	entity E
}

func (c *updateChange[ID, E]) exec(ctx context.Context, tx *sql.Tx) (*domain.Conflict, error) {
	t := c.table
	builder := psql.Update(t.name)
	for i, value := range t.values(c.entity) {
		builder = builder.Set(t.columns[i], value)
	}
	builder = builder.
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": t.key(c.entity), "version": t.version(c.entity)})

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s update: %w", t.kind, err)
	}
	return execVersioned(ctx, tx, t, c.entity, query, args)
}

func (c *updateChange[ID, E]) undo() {}
func (c *updateChange[ID, E]) done() {}

type deleteChange[ID comparable, E any] struct {
	table  *table[ID, E]
	entity E
}

func (c *deleteChange[ID, E]) exec(ctx context.Context, tx *sql.Tx) (*domain.Conflict, error) {
	t := c.table
	query, args, err := psql.Delete(t.name).
		Where(sq.Eq{"id": t.key(c.entity), "version": t.version(c.entity)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s delete: %w", t.kind, err)
	}
	return execVersioned(ctx, tx, t, c.entity, query, args)
}

func (c *deleteChange[ID, E]) undo() {}
func (c *deleteChange[ID, E]) done() {}

// execVersioned исполняет запрос с фильтром по версии и при нуле затронутых строк
// перечитывает актуальное состояние записи для Conflict.
func execVersioned[ID comparable, E any](ctx context.Context, tx *sql.Tx, t *table[ID, E], entity E, query string, args []any) (*domain.Conflict, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", t.kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected for %s: %w", t.kind, err)
	}
	if affected > 0 {
		return nil, nil
	}

	conflict := &domain.Conflict{Kind: t.kind, ID: formatKey(t.key(entity))}
	fresh, err := t.queryAll(ctx, tx, t.selectBuilder().Where(sq.Eq{"id": t.key(entity)}))
	if err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		conflict.Fresh = fresh[0]
	}
	return conflict, nil
}

func formatKey(id any) string {
	switch v := id.(type) {
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
}

func (c outboxChange) exec(ctx context.Context, tx *sql.Tx) (*domain.Conflict, error) {
	msg, err := c.build()
	if err != nil {
		return nil, fmt.Errorf("build outbox message: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	now := time.Now().UTC()

	query, args, err := psql.Insert("outbox_messages").
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload",
			"status", "attempt_count", "created_at", "updated_at").
		Values(msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, payload,
			outboxStatusPending, 0, now, now).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Join(domain.ErrAlreadyExists, fmt.Errorf("outbox message %s: %w", msg.ID, err))
		}
		return nil, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil, nil
}

func (outboxChange) undo() {}
func (outboxChange) done() {}

var _ domain.UnitOfWork = (*unitOfWork)(nil)
