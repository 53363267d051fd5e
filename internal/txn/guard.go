// Package txn implements the scoped transaction guard: a one-shot wrapper
// around a database transaction that guarantees rollback on every non-commit
// exit and sequences "persist -> commit ack -> publish events -> post-commit
// callbacks" so observers never see uncommitted state.
//
// The source this is grounded on expresses "suspend until the driver
// acknowledges commit" with stackless coroutines. Go has no coroutine
// primitive, so Commit runs the driver's Commit on its own goroutine and
// blocks the caller on a result channel: the same suspend/resume shape,
// expressed with a goroutine and a channel instead of an awaiter.
package txn

import (
	"context"
	"reflect"
	"sync"

	"gorm.io/gorm"

	"github.com/hyird/iot-manager-sub001/internal/gwerrors"
	"github.com/hyird/iot-manager-sub001/internal/logger"
)

type state int

const (
	stateOpen state = iota
	stateCommitted
	stateRolledBack
)

// Guard is a move-only scoped acquisition of a *gorm.DB transaction.
// Exactly one of Commit or Rollback takes effect. Commit on a guard that
// has already reached a terminal state fails with TransactionTerminated;
// Rollback and Close on such a guard are no-ops. A guard created with Create and
// never explicitly terminated must be closed via Close (typically in a
// defer), which rolls back and logs a warning, mirroring a scope exit
// without an explicit terminal transition.
type Guard struct {
	mu    sync.Mutex
	tx    *gorm.DB
	state state

	onCommitFns []func()
}

// Create opens a transaction on db and returns a Guard owning it. Callers
// must arrange for Close to run on every exit path (defer guard.Close()
// immediately after Create succeeds).
func Create(ctx context.Context, db *gorm.DB) (*Guard, error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &Guard{tx: tx}, nil
}

// Exec runs a parameterized statement against the guard's transaction.
// Fails with TransactionTerminated if the guard has already reached a
// terminal state.
func (g *Guard) Exec(sql string, params ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateOpen {
		return &gwerrors.TransactionTerminated{State: g.stateLabelLocked()}
	}
	return g.tx.Exec(sql, params...).Error
}

// CreateRecord inserts value via GORM's Create and returns the
// database-assigned numeric id when the model has one, used by the SL651
// parser's persistence path to obtain the row id a command-response
// correlation keys off of ("RETURNING id"). Models with string (uuid)
// primary keys return 0; their id lives on the model itself.
func (g *Guard) CreateRecord(value any) (uint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateOpen {
		return 0, &gwerrors.TransactionTerminated{State: g.stateLabelLocked()}
	}
	if err := g.tx.Create(value).Error; err != nil {
		return 0, err
	}
	rv := reflect.Indirect(reflect.ValueOf(value))
	if rv.Kind() != reflect.Struct {
		return 0, nil
	}
	id := rv.FieldByName("ID")
	switch id.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uint(id.Uint()), nil
	default:
		return 0, nil
	}
}

// OnCommit registers fn to run, in registration order, only after Commit's
// driver acknowledgement succeeds. Callback panics are recovered and
// logged so one broken hook can't prevent the rest from running or crash
// the committing goroutine.
func (g *Guard) OnCommit(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onCommitFns = append(g.onCommitFns, fn)
}

// commitResult carries the driver's commit outcome back across the
// suspend/resume boundary.
type commitResult struct {
	err error
}

// Commit commits the transaction and suspends the caller until the
// driver's commit has been acknowledged (modeled here as a dedicated
// goroutine running the synchronous gorm Commit and signaling its result
// over a channel). Post-commit callbacks run only after a successful
// acknowledgement, sequentially, in registration order.
func (g *Guard) Commit() error {
	g.mu.Lock()
	if g.state != stateOpen {
		state := g.stateLabelLocked()
		g.mu.Unlock()
		return &gwerrors.TransactionTerminated{State: state}
	}
	tx := g.tx
	callbacks := append([]func(){}, g.onCommitFns...)
	g.mu.Unlock()

	results := make(chan commitResult, 1)
	go func() {
		results <- commitResult{err: tx.Commit().Error}
	}()
	res := <-results

	g.mu.Lock()
	if res.err != nil {
		g.state = stateRolledBack
		g.mu.Unlock()
		return &gwerrors.CommitFailed{Err: res.err}
	}
	g.state = stateCommitted
	g.mu.Unlock()

	for _, fn := range callbacks {
		g.runCallback(fn)
	}
	return nil
}

func (g *Guard) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("txn post-commit callback panicked", "recover", r)
		}
	}()
	fn()
}

// Rollback explicitly rolls back the transaction. Idempotent once the
// guard has reached a terminal state: a second Rollback (or a Close after
// an explicit Rollback) is a no-op, not an error.
func (g *Guard) Rollback() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateOpen {
		return nil
	}
	g.state = stateRolledBack
	return g.tx.Rollback().Error
}

// Close rolls back the guard if it is still open, logging a warning: the
// scope-exit-without-explicit-transition path. Safe to call after an
// explicit Commit or Rollback (no-op).
func (g *Guard) Close() {
	g.mu.Lock()
	open := g.state == stateOpen
	g.mu.Unlock()
	if open {
		logger.Warn("transaction guard closed without explicit commit/rollback, rolling back")
		_ = g.Rollback()
	}
}

func (g *Guard) stateLabelLocked() string {
	switch g.state {
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled back"
	default:
		return "open"
	}
}
