package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"quill/internal/config"
	"quill/internal/db"
	"quill/internal/domain"
	"quill/internal/events"
	"quill/internal/notify"
	"quill/internal/repo"
)

const defaultActor = "local-user"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Notify  notify.Publisher
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(conn *db.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:      conn.DB,
		Repo:    repo.New(conn),
		Events:  events.Writer{Dialect: conn.Dialect},
		Config:  cfg,
		Notify:  notify.Nop{},
		Metrics: NewMetrics(prometheus.NewRegistry()),
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Capacity is the number of letters a doll may hold at once.
func (e Engine) Capacity() int {
	if e.Config == nil || e.Config.Capacity.MaxLettersPerDoll < 1 {
		return config.DefaultMaxLettersPerDoll
	}
	return e.Config.Capacity.MaxLettersPerDoll
}

func (e Engine) retryBudget() int {
	if e.Config == nil || e.Config.Engine.RetryBudget < 1 {
		return config.DefaultRetryBudget
	}
	return e.Config.Engine.RetryBudget
}

func (e Engine) retryBackoff() time.Duration {
	if e.Config == nil {
		return config.DefaultRetryBackoff
	}
	return e.Config.Engine.RetryBackoff.Std()
}

// Unit is one engine transaction. Everything done through the same Unit commits or rolls
// back together; store calls receive u.Tx explicitly.
type Unit struct {
	Tx      *sql.Tx
	OpID    string
	ActorID string

	notes    []notify.Notification
	onCommit []func()
}

// after registers fn to run once the unit has committed.
func (u *Unit) after(fn func()) {
	u.onCommit = append(u.onCommit, fn)
}

// Do runs fn as a single unit of work. Transient conflicts reported by the store replay the
// whole unit with a fresh transaction, up to the configured retry budget; exhaustion
// returns ErrCapacityRace.
func (e Engine) Do(ctx context.Context, op, actorID string, fn func(ctx context.Context, u *Unit) error) error {
	if actorID == "" {
		actorID = defaultActor
	}
	started := time.Now()
	budget := e.retryBudget()
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		u := &Unit{OpID: uuid.NewString(), ActorID: actorID}
		err := e.attempt(ctx, u, fn)
		if err == nil {
			e.logger().DebugContext(ctx, "unit of work committed", "op", op, "op_id", u.OpID, "actor", actorID, "attempt", attempt)
			for _, cb := range u.onCommit {
				cb()
			}
			e.Metrics.observe(op, nil, time.Since(started))
			e.publish(ctx, u)
			return nil
		}
		if !retryable(err) {
			e.Metrics.observe(op, err, time.Since(started))
			return err
		}
		lastErr = err
		e.Metrics.retry(op)
		e.logger().WarnContext(ctx, "unit of work conflicted", "op", op, "attempt", attempt, "budget", budget, "error", err)
		if attempt < budget {
			if err := sleep(ctx, e.retryBackoff()*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	err := fmt.Errorf("%s: %w after %d attempts: %v", op, ErrCapacityRace, budget, lastErr)
	e.Metrics.observe(op, err, time.Since(started))
	return err
}

func (e Engine) attempt(ctx context.Context, u *Unit, fn func(ctx context.Context, u *Unit) error) error {
	tx, err := e.DB.BeginTx(ctx, e.Repo.Dialect.TxOptions())
	if err != nil {
		return err
	}
	defer tx.Rollback()
	u.Tx = tx
	if err := fn(ctx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// record appends an audit event to the unit and queues its notification for after commit.
func (e Engine) record(ctx context.Context, u *Unit, evtType, entityKind, entityID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	ts, err := w.Append(ctx, u.Tx, events.Entry{
		OpID:       u.OpID,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    u.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	u.notes = append(u.notes, notify.Notification{
		ID:         uuid.NewString(),
		OpID:       u.OpID,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    u.ActorID,
		TS:         ts,
		Payload:    map[string]any(payload),
	})
	return nil
}

func (e Engine) publish(ctx context.Context, u *Unit) {
	if e.Notify == nil {
		return
	}
	for _, n := range u.notes {
		if err := e.Notify.Publish(ctx, n); err != nil {
			e.logger().WarnContext(ctx, "publish notification", "type", n.Type, "op_id", n.OpID, "error", err)
		}
	}
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// LatestEvents returns the newest n audit events matching f, newest first.
func (e Engine) LatestEvents(ctx context.Context, n int, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, e.DB, n, f)
}
