// Package queue orchestrates the per-module run queues. It enforces the
// single active slot per module, latest-wins cascade coalescing, priority
// ordering, and the side effects of terminal transitions: dequeue and
// executor notification. All queue state lives in the store; this package
// only sequences the transactional primitives.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/butlerhq/butler-registry/pkg/audit"
	"github.com/butlerhq/butler-registry/pkg/run"
	"github.com/butlerhq/butler-registry/pkg/store"
)

// Notifier receives terminal-run notifications, best-effort. The DAG
// executor implements it.
type Notifier interface {
	OnModuleRunComplete(ctx context.Context, mr *store.ModuleRun)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) OnModuleRunComplete(context.Context, *store.ModuleRun) {}

// Queue sequences run-queue operations.
type Queue struct {
	db       *store.DB
	log      *slog.Logger
	auditor  *audit.Recorder
	notifier Notifier
}

// New builds a queue. notifier may be nil.
func New(db *store.DB, log *slog.Logger, auditor *audit.Recorder, notifier Notifier) *Queue {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{db: db, log: log, auditor: auditor, notifier: notifier}
}

// SetNotifier wires the DAG executor after construction; the executor and
// the queue reference each other.
func (q *Queue) SetNotifier(n Notifier) {
	q.notifier = n
}

// Request describes a run to enqueue.
type Request struct {
	ModuleID         string
	EnvironmentRunID *string
	Operation        run.Operation
	Mode             run.Mode
	Priority         run.Priority
	TriggeredBy      string
	TFVersion        string
	Variables        []byte
	StateBackend     []byte
}

// Enqueue inserts a run. If the module's active slot is free the run goes
// straight to queued; otherwise it waits as pending with the next queue
// position. A cascade enqueue first discards any waiting cascade plans
// (latest wins); user runs are never displaced.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*store.ModuleRun, error) {
	mr := &store.ModuleRun{
		ModuleID:         req.ModuleID,
		EnvironmentRunID: req.EnvironmentRunID,
		Operation:        req.Operation,
		Mode:             req.Mode,
		Priority:         req.Priority,
		TriggeredBy:      req.TriggeredBy,
		TFVersion:        req.TFVersion,
		Variables:        req.Variables,
		StateBackend:     req.StateBackend,
	}

	coalesced := 0
	err := q.db.WithModuleLock(ctx, req.ModuleID, func(mtx *store.ModuleTx) error {
		if req.Priority == run.PriorityCascade && req.Operation == run.OpPlan {
			n, err := mtx.DiscardPendingCascadePlans(ctx, req.ModuleID)
			if err != nil {
				return err
			}
			coalesced = n
		}

		_, err := mtx.ActiveOrQueuedRun(ctx, req.ModuleID)
		switch {
		case err == nil:
			max, err := mtx.MaxQueuePosition(ctx, req.ModuleID)
			if err != nil {
				return err
			}
			pos := max + 1
			mr.Status = run.StatusPending
			mr.QueuePosition = &pos
		case errors.Is(err, store.ErrNotFound):
			mr.Status = run.StatusQueued
		default:
			return err
		}
		return mtx.InsertRun(ctx, mr)
	})
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}

	if coalesced > 0 {
		q.log.InfoContext(ctx, "coalesced waiting cascade plans",
			"module_id", req.ModuleID, "discarded", coalesced)
	}
	q.auditor.Run(ctx, req.TriggeredBy, audit.ActionRunCreated, mr, map[string]any{
		"operation": mr.Operation,
		"priority":  mr.Priority,
		"status":    mr.Status,
		"coalesced": coalesced,
	})
	return mr, nil
}

// Transition applies a non-terminal status change. Terminal targets must go
// through Complete so the queue side effects run.
func (q *Queue) Transition(ctx context.Context, runID string, from, to run.Status) error {
	if to.IsTerminal() {
		return q.Complete(ctx, runID, from, to)
	}
	return q.db.TransitionRun(ctx, runID, from, to)
}

// Complete moves a run to a terminal status, promotes the next waiting run
// on the module, and notifies the executor. Promotion happens in the same
// transaction as the transition so the active slot never stays vacant with
// waiters present.
func (q *Queue) Complete(ctx context.Context, runID string, from, to run.Status) error {
	if !to.IsTerminal() {
		return fmt.Errorf("queue: %s is not a terminal status", to)
	}
	mr, err := q.db.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}

	err = q.db.WithModuleLock(ctx, mr.ModuleID, func(mtx *store.ModuleTx) error {
		if err := mtx.TransitionRun(ctx, runID, from, to); err != nil {
			return err
		}
		next, err := mtx.NextPendingRun(ctx, mr.ModuleID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return mtx.PromoteRun(ctx, next.ID)
	})
	if err != nil {
		return err
	}

	mr.Status = to
	q.notifier.OnModuleRunComplete(ctx, mr)
	return nil
}

// Cancel terminates a run from any non-terminal state.
func (q *Queue) Cancel(ctx context.Context, runID, actor string) error {
	mr, err := q.db.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if mr.Status.IsTerminal() {
		return fmt.Errorf("%w: run is already %s", run.ErrIllegalTransition, mr.Status)
	}
	if err := q.Complete(ctx, runID, mr.Status, run.StatusCancelled); err != nil {
		return err
	}
	q.auditor.Run(ctx, actor, audit.ActionRunDiscarded, mr, map[string]any{"from": mr.Status})
	return nil
}

// Active returns the module's active-slot run, or store.ErrNotFound.
func (q *Queue) Active(ctx context.Context, moduleID string) (*store.ModuleRun, error) {
	var out *store.ModuleRun
	err := q.db.WithModuleLock(ctx, moduleID, func(mtx *store.ModuleTx) error {
		mr, err := mtx.ActiveOrQueuedRun(ctx, moduleID)
		if err != nil {
			return err
		}
		out = mr
		return nil
	})
	return out, err
}

// QueuedCount returns how many runs wait behind the active slot.
func (q *Queue) QueuedCount(ctx context.Context, moduleID string) (int, error) {
	var n int
	err := q.db.WithModuleLock(ctx, moduleID, func(mtx *store.ModuleTx) error {
		c, err := mtx.PendingCount(ctx, moduleID)
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}
