package engine_test

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/tartampluch/go-contactformatter/internal/phone"
)

func TestCommit_WritesFormattedValue(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))

	report, err := e.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, phone.International, report.Format)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, []engine.RecordKey{key("a", 0)}, report.Written)
	assert.Empty(t, report.Failures)

	assert.Equal(t, "+1 555-564-8583", store.value(key("a", 0)))

	// The commit reloaded the book: the record is now current.
	s := snapshot(t, e)
	r, ok := findValid(s, key("a", 0))
	require.True(t, ok)
	assert.Equal(t, "+1 555-564-8583", r.RawValue)
	assert.Equal(t, "mobile", r.Label)
	assert.False(t, s.AnyPendingChanges())
	assert.False(t, s.Committing)
	require.NotNil(t, s.LastCommit)
	assert.Equal(t, report, *s.LastCommit)
	assert.Equal(t, 2, store.enumerations)
}

func TestCommit_NothingToWrite(t *testing.T) {
	store := new(MockStore)
	store.On("CheckAccess", mockAny).Return(engine.AccessGranted)
	store.On("Enumerate", mockAny).Return(iter.Seq2[engine.RawPhoneRecord, error](
		func(yield func(engine.RawPhoneRecord, error) bool) {
			if !yield(rec("a", 0, "Alice", "+1 555-564-8583"), nil) {
				return
			}
			yield(rec("b", 0, "Bob", "not-a-number"), nil)
		}))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))
	before := snapshot(t, e)

	report, err := e.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Empty(t, report.Written)
	assert.Empty(t, report.Failures)

	store.AssertNotCalled(t, "Write", mockAny, mockAny, mockAny, mockAny)
	store.AssertNumberOfCalls(t, "Enumerate", 1)
	assert.Equal(t, before, snapshot(t, e))
}

func TestCommit_AllExcludedIsNoop(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.SetIncluded(ctx, key("a", 0), false))

	report, err := e.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Zero(t, store.writeCount())
	assert.Equal(t, 1, store.enumerations, "a no-op commit does not reload")
	assert.True(t, snapshot(t, e).AnyPendingChanges())
}

func TestCommit_SkipsExcluded(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"), rec("b", 0, "Bob", "5555648584"))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.SetIncluded(ctx, key("b", 0), false))

	report, err := e.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []engine.RecordKey{key("a", 0)}, report.Written)
	assert.Equal(t, "5555648584", store.value(key("b", 0)))

	changes, err := e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, key("b", 0), changes[0].Key)
	assert.True(t, changes[0].Included, "selection is reset by the reload")
}

func TestCommit_PartialFailure(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("b", 0, "Bob", "5555648584"),
		rec("c", 0, "Carol", "5555648585"),
	)
	store.failWrites[key("b", 0)] = errors.New("contact is read-only")
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))

	report, err := e.Commit(ctx)
	require.NoError(t, err, "write failures are reported, not returned")
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, []engine.RecordKey{key("a", 0), key("c", 0)}, report.Written)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, key("b", 0), report.Failures[0].Key)
	assert.Equal(t, "Bob", report.Failures[0].DisplayName)
	assert.Contains(t, report.Failures[0].Error, "read-only")

	assert.Equal(t, "+1 555-564-8583", store.value(key("a", 0)))
	assert.Equal(t, "5555648584", store.value(key("b", 0)))
	assert.Equal(t, "+1 555-564-8585", store.value(key("c", 0)))

	changes, err := e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, key("b", 0), changes[0].Key)
	assert.Equal(t, "5555648584", changes[0].From)
}

func TestCommit_CandidatesCapturedAtStart(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"))
	store.writeGate = make(chan struct{})
	store.writeBlocked = make(chan struct{})
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))

	type result struct {
		report engine.CommitReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := e.Commit(ctx)
		done <- result{r, err}
	}()
	<-store.writeBlocked

	// The engine stays responsive while writes are in flight.
	s := snapshot(t, e)
	assert.True(t, s.Committing)
	require.NoError(t, e.SetTargetFormat(ctx, phone.E164))
	require.NoError(t, e.SetIncluded(ctx, key("a", 0), false))

	assert.ErrorIs(t, e.Refresh(ctx), engine.ErrBusy)
	_, err := e.Commit(ctx)
	assert.ErrorIs(t, err, engine.ErrBusy)

	close(store.writeGate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, phone.International, res.report.Format)
	assert.Equal(t, "+1 555-564-8583", store.value(key("a", 0)))

	s = snapshot(t, e)
	assert.False(t, s.Committing)
	assert.False(t, s.Refreshing)
	assert.Equal(t, phone.E164, s.TargetFormat)
	require.Len(t, s.Changes, 1)
	assert.Equal(t, "+15555648583", s.Changes[0].To)
}

func TestCommit_CommittingCoversReload(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))

	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	var seen []engine.Snapshot
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for s := range ch {
			seen = append(seen, s)
		}
	}()

	_, err := e.Commit(ctx)
	require.NoError(t, err)
	unsubscribe()
	<-collected

	require.NotEmpty(t, seen)
	for _, s := range seen[:len(seen)-1] {
		assert.True(t, s.Committing, "committing stays set until the reload ends")
	}
	last := seen[len(seen)-1]
	assert.False(t, last.Committing)
	assert.False(t, last.Refreshing)
}
