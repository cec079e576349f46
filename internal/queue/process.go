package queue

import (
	"context"
	"fmt"
	"time"
)

// ProcessQueue runs every due pending operation once, sequentially, in
// priority then timestamp order. Only one pass runs at a time; a concurrent
// call returns ErrAlreadyProcessing immediately without touching the queue.
//
// Operations whose retry time has not arrived are left for a later pass.
// Cancelling ctx stops the pass before the next operation starts.
func (q *Queue) ProcessQueue(ctx context.Context) (Result, error) {
	if !q.processing.CompareAndSwap(false, true) {
		q.logger.Warn("process requested while a pass is running")
		return Result{}, ErrAlreadyProcessing
	}
	defer q.processing.Store(false)

	var res Result
	ids := q.dueIDs()
	if len(ids) == 0 {
		q.logger.Debug("no pending operations")
		return res, nil
	}

	q.logger.Info("processing queue", "due", len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			q.logger.Warn("queue pass cancelled", "remaining", len(ids)-res.Processed, "error", err)
			break
		}
		ok, ran := q.processOne(ctx, id)
		if !ran {
			continue
		}
		res.Processed++
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	q.mu.Lock()
	autoPrune := q.cfg.AutoPrune
	q.mu.Unlock()
	if autoPrune {
		q.Prune(ctx)
	}

	q.logger.Info("queue pass complete",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, ctx.Err()
}

// dueIDs snapshots the ids of due operations in processing order.
func (q *Queue) dueIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	ops := q.sortedLocked(func(op *Operation) bool { return op.due(now) })
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

// processOne executes a single operation. ran is false when the operation
// was removed or changed state since the pass started.
func (q *Queue) processOne(ctx context.Context, id string) (ok, ran bool) {
	q.mu.Lock()
	op := q.findLocked(id)
	if op == nil || op.Status != StatusPending {
		q.mu.Unlock()
		return false, false
	}

	handler := q.handlers[op.Type]
	if handler == nil {
		op.Status = StatusFailed
		op.LastError = fmt.Sprintf("no handler registered for %s", op.Type)
		q.persistLocked(ctx)
		snapshot := op.clone()
		q.mu.Unlock()

		q.logger.Warn("no handler for operation", "id", id, "type", snapshot.Type)
		q.notify(Event{Kind: EventFailed, Operation: snapshot, Err: fmt.Errorf("%w: %s", ErrNoHandler, snapshot.Type)})
		return false, true
	}

	op.Status = StatusProcessing
	q.persistLocked(ctx)
	payload := op.clone().Payload
	typ := op.Type
	q.mu.Unlock()

	q.logger.Debug("running handler", "id", id, "type", typ)
	start := q.now()
	err := runHandler(ctx, handler, payload)
	elapsed := q.now().Sub(start)

	q.mu.Lock()
	op = q.findLocked(id)
	if op == nil {
		q.mu.Unlock()
		q.logger.Info("operation removed while running, result dropped", "id", id, "error", err)
		return err == nil, true
	}

	var ev Event
	if err == nil {
		op.Status = StatusSuccess
		op.NextAttemptAt = 0
		op.LastError = ""
		ev = Event{Kind: EventSucceeded, Duration: elapsed}
	} else {
		op.Retries++
		op.LastError = err.Error()
		if op.Retries >= op.MaxRetries {
			op.Status = StatusFailed
			op.NextAttemptAt = 0
			ev = Event{Kind: EventFailed, Err: err, Duration: elapsed}
		} else {
			op.Status = StatusPending
			op.NextAttemptAt = q.now().Add(q.cfg.delay(op.Retries)).UnixMilli()
			ev = Event{Kind: EventRetrying, Err: err, Duration: elapsed}
		}
	}
	q.persistLocked(ctx)
	ev.Operation = op.clone()
	q.mu.Unlock()

	switch ev.Kind {
	case EventSucceeded:
		q.logger.Info("operation succeeded", "id", id, "type", typ, "duration", elapsed)
	case EventRetrying:
		q.logger.Warn("operation failed, will retry",
			"id", id,
			"type", typ,
			"retries", ev.Operation.Retries,
			"next_attempt", time.UnixMilli(ev.Operation.NextAttemptAt),
			"error", err,
		)
	case EventFailed:
		q.logger.Error("operation failed permanently", "id", id, "type", typ, "retries", ev.Operation.Retries, "error", err)
	}
	q.notify(ev)
	return err == nil, true
}

// runHandler turns a handler panic into an error.
func runHandler(ctx context.Context, h Handler, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}
