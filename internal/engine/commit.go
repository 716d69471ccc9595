package engine

import (
	"context"

	"github.com/tartampluch/go-contactformatter/internal/config"
)

// Commit writes every included record that needs formatting back to the
// store, then reloads the snapshot from the store.
//
// It is a no-op returning a zero report when there is nothing to write, and
// returns ErrBusy if a refresh or commit is already in flight. A failed write
// does not stop the others; it is listed in the report and will still show as
// pending after the reload.
func (e *Engine) Commit(ctx context.Context) (CommitReport, error) {
	var (
		busy, noop bool
		report     = &CommitReport{}
		done       = make(chan struct{})
	)
	err := e.do(ctx, func() {
		if e.state.refreshing || e.state.committing {
			busy = true
			return
		}
		report.Format = e.state.format

		// Candidates are captured now: later format or selection changes
		// do not affect this commit.
		candidates := e.candidates()
		if len(candidates) == 0 {
			noop = true
			return
		}

		report.Attempted = len(candidates)
		e.state.committing = true
		e.notify()
		e.log.Info(config.MsgCommitStarted,
			config.LogKeyFormat, report.Format,
			config.LogKeyCount, len(candidates))

		go e.runCommit(e.lifetime, candidates, report, done)
	})
	if err != nil {
		return CommitReport{}, err
	}
	if busy {
		e.log.Debug(config.MsgCommitBusy)
		e.metrics.Reject(config.OpCommit)
		return CommitReport{}, ErrBusy
	}
	if noop {
		e.log.Debug(config.MsgCommitNoop, config.LogKeyFormat, report.Format)
		return *report, nil
	}

	if err := e.wait(ctx, done); err != nil {
		return CommitReport{}, err
	}
	return *report, nil
}

// candidates must run on the engine goroutine.
func (e *Engine) candidates() []Change {
	var out []Change
	for _, c := range e.changes() {
		if c.Included {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) runCommit(ctx context.Context, candidates []Change, report *CommitReport, done chan struct{}) {
	start := e.now()

	for _, c := range candidates {
		err := e.store.Write(ctx, c.Key.ContactID, c.Key.Slot, c.To)
		e.metrics.Write(err == nil)
		if err != nil {
			e.log.Warn(config.MsgWriteFailed,
				config.LogKeyContact, c.Key.ContactID,
				config.LogKeySlot, c.Key.Slot,
				config.LogKeyName, c.DisplayName,
				config.LogKeyError, err)
			report.Failures = append(report.Failures, WriteFailure{
				Key:         c.Key,
				DisplayName: c.DisplayName,
				Error:       err.Error(),
			})
			continue
		}
		e.log.Debug(config.MsgWriteOK,
			config.LogKeyContact, c.Key.ContactID,
			config.LogKeySlot, c.Key.Slot,
			config.LogKeyValue, c.To)
		report.Written = append(report.Written, c.Key)
	}

	e.metrics.Committed(report.Format.String())
	e.log.Info(config.MsgCommitDone,
		config.LogKeyFormat, report.Format,
		config.LogKeyWritten, len(report.Written),
		config.LogKeyFailed, len(report.Failures),
		config.LogKeyDuration, e.now().Sub(start).Milliseconds())

	// The store is the source of truth: always reload, even after failures.
	summary := *report
	_ = e.do(context.Background(), func() {
		e.state.lastCommit = &summary
		e.startRefresh(done, func() {
			e.state.committing = false
			e.metrics.Observe(config.OpCommit, e.now().Sub(start))
		})
	})
}
