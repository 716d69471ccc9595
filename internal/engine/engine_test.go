package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/tartampluch/go-contactformatter/internal/metrics"
	"github.com/tartampluch/go-contactformatter/internal/phone"
)

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

func TestRefresh_PartitionsRecords(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("a", 1, "Alice", "not-a-number"),
		rec("b", 0, "Bob", "+1 555-564-8583"),
		rec("c", 0, "Carol", ""),
		rec("d", 0, "Dave", "12"),
	)
	e := startEngine(t, store)

	require.NoError(t, e.Refresh(context.Background()))
	s := snapshot(t, e)

	assert.ElementsMatch(t, []engine.RecordKey{key("a", 0), key("b", 0)}, validKeys(s))
	assert.ElementsMatch(t, []engine.RecordKey{key("a", 1), key("c", 0), key("d", 0)}, invalidKeys(s))
	assert.Len(t, s.Valid, len(validKeys(s)))
	assert.Equal(t, 5, len(s.Valid)+len(s.Invalid))

	for _, r := range s.Valid {
		assert.True(t, r.Valid)
		assert.True(t, r.Included, "records are included after a refresh")
	}
	for _, r := range s.Invalid {
		assert.False(t, r.Valid)
	}
	assert.False(t, s.Refreshing)
	assert.Equal(t, engine.AccessGranted, s.Access)
}

func TestRefresh_TwiceDoesNotDuplicate(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"), rec("b", 0, "Bob", "junk"))
	e := startEngine(t, store)

	require.NoError(t, e.Refresh(context.Background()))
	require.NoError(t, e.Refresh(context.Background()))

	s := snapshot(t, e)
	assert.Len(t, s.Valid, 1)
	assert.Len(t, s.Invalid, 1)
	assert.Equal(t, 2, store.enumerations)
}

func TestRefresh_SortedByDisplayName(t *testing.T) {
	store := newMemStore(
		rec("z", 0, "Zoé", "5555648583"),
		rec("b", 0, "bob", "5555648583"),
		rec("e", 0, "Émile", "5555648583"),
		rec("a2", 1, "alice", "5555648583"),
		rec("a2", 0, "alice", "5555648583"),
		rec("a1", 0, "Alice", "5555648583"),
		rec("x", 0, "Bob", "junk"),
		rec("y", 0, "Abe", "junk"),
	)
	e := startEngine(t, store)
	require.NoError(t, e.Refresh(context.Background()))
	s := snapshot(t, e)

	assert.Equal(t, []engine.RecordKey{
		key("a1", 0), key("a2", 0), key("a2", 1), key("b", 0), key("e", 0), key("z", 0),
	}, validKeys(s))
	assert.Equal(t, []engine.RecordKey{key("y", 0), key("x", 0)}, invalidKeys(s))
}

func TestRefresh_SingleFlight(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("b", 0, "Bob", "5555648584"),
		rec("c", 0, "Carol", "5555648585"),
	)
	store.enumGate = make(chan struct{})
	store.enumGateAfter = 1
	store.enumBlocked = make(chan struct{})
	e := startEngine(t, store)

	first := make(chan error, 1)
	go func() { first <- e.Refresh(context.Background()) }()
	<-store.enumBlocked

	assert.ErrorIs(t, e.Refresh(context.Background()), engine.ErrBusy)
	_, err := e.Commit(context.Background())
	assert.ErrorIs(t, err, engine.ErrBusy)

	s := snapshot(t, e)
	assert.True(t, s.Refreshing)

	close(store.enumGate)
	require.NoError(t, <-first)

	s = snapshot(t, e)
	assert.False(t, s.Refreshing)
	assert.Len(t, s.Valid, 3)
	assert.Equal(t, 1, store.enumerations)
}

func TestRefresh_SurfacesBatches(t *testing.T) {
	records := []engine.RawPhoneRecord{
		rec("a", 0, "A", "5555648581"),
		rec("b", 0, "B", "5555648582"),
		rec("c", 0, "C", "5555648583"),
		rec("d", 0, "D", "5555648584"),
		rec("e", 0, "E", "5555648585"),
	}
	store := newMemStore(records...)
	store.enumGate = make(chan struct{})
	store.enumGateAfter = 3
	store.enumBlocked = make(chan struct{})
	e := startEngine(t, store, engine.WithBatchSize(2))

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()
	<-store.enumBlocked

	// The first full batch is visible; the third record is still buffered.
	s := snapshot(t, e)
	assert.True(t, s.Refreshing)
	assert.Len(t, s.Valid, 2)

	close(store.enumGate)
	require.NoError(t, <-done)
	assert.Len(t, snapshot(t, e).Valid, 5)
}

func TestRefresh_AccessDeniedClearsSnapshot(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"), rec("b", 0, "Bob", "junk"))
	e := startEngine(t, store)
	require.NoError(t, e.Refresh(context.Background()))
	require.Len(t, snapshot(t, e).Valid, 1)

	store.mu.Lock()
	store.access = engine.AccessDenied
	store.mu.Unlock()

	require.NoError(t, e.Refresh(context.Background()))
	s := snapshot(t, e)
	assert.Empty(t, s.Valid)
	assert.Empty(t, s.Invalid)
	assert.Equal(t, engine.AccessDenied, s.Access)
	assert.False(t, s.Refreshing)
	assert.Equal(t, 1, store.enumerations, "a denied store is never enumerated")
}

func TestRefresh_AccessDeniedNeverEnumerates(t *testing.T) {
	for _, status := range []engine.AccessStatus{engine.AccessDenied, engine.AccessRestricted} {
		t.Run(status.String(), func(t *testing.T) {
			store := new(MockStore)
			store.On("CheckAccess", mockAny).Return(status)
			e := startEngine(t, store)

			require.NoError(t, e.Refresh(context.Background()))
			s := snapshot(t, e)
			assert.Empty(t, s.Valid)
			assert.Equal(t, status, s.Access)
			store.AssertNotCalled(t, "Enumerate", mockAny)
			store.AssertNotCalled(t, "RequestAccess", mockAny)
		})
	}
}

func TestRefresh_RequestsUndeterminedAccess(t *testing.T) {
	t.Run("Granted", func(t *testing.T) {
		store := newMemStore(rec("a", 0, "Alice", "5555648583"))
		store.access = engine.AccessNotDetermined
		store.grant = true
		e := startEngine(t, store)

		require.NoError(t, e.Refresh(context.Background()))
		s := snapshot(t, e)
		assert.Equal(t, engine.AccessGranted, s.Access)
		assert.Len(t, s.Valid, 1)
	})

	t.Run("Refused", func(t *testing.T) {
		store := newMemStore(rec("a", 0, "Alice", "5555648583"))
		store.access = engine.AccessNotDetermined
		e := startEngine(t, store)

		require.NoError(t, e.Refresh(context.Background()))
		s := snapshot(t, e)
		assert.Equal(t, engine.AccessDenied, s.Access)
		assert.Empty(t, s.Valid)
		assert.Zero(t, store.enumerations)
	})
}

func TestRefresh_LimitedAccessEnumerates(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"))
	store.access = engine.AccessLimited
	e := startEngine(t, store)

	require.NoError(t, e.Refresh(context.Background()))
	assert.Len(t, snapshot(t, e).Valid, 1)
}

func TestRefresh_EnumerationErrorKeepsPartialSet(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("b", 0, "Bob", "junk"),
		rec("c", 0, "Carol", "5555648585"),
		rec("d", 0, "Dave", "5555648586"),
	)
	store.enumErrAfter = 2
	e := startEngine(t, store)

	require.NoError(t, e.Refresh(context.Background()), "enumeration errors are logged, not returned")
	s := snapshot(t, e)
	assert.Equal(t, []engine.RecordKey{key("a", 0)}, validKeys(s))
	assert.Equal(t, []engine.RecordKey{key("b", 0)}, invalidKeys(s))
	assert.False(t, s.Refreshing)
}

func TestRefresh_CallerCancellationDoesNotAbort(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"), rec("b", 0, "Bob", "5555648584"))
	store.enumGate = make(chan struct{})
	store.enumGateAfter = 1
	store.enumBlocked = make(chan struct{})
	e := startEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Refresh(ctx) }()
	<-store.enumBlocked

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(store.enumGate)
	assert.Eventually(t, func() bool {
		s := snapshot(t, e)
		return !s.Refreshing && len(s.Valid) == 2
	}, waitFor, tick)
}

func TestRefresh_SetsTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := startEngine(t, newMemStore(), engine.WithClock(func() time.Time { return at }))

	assert.True(t, snapshot(t, e).RefreshedAt.IsZero())
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, at, snapshot(t, e).RefreshedAt)
}

// -----------------------------------------------------------------------------
// Formatting plan
// -----------------------------------------------------------------------------

func TestPendingChanges_FollowsTargetFormat(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("b", 0, "Bob", "+1 555-564-8584"),
		rec("c", 0, "Carol", "not-a-number"),
	)
	parser := &countingParser{Parser: phone.NewLibParser("US")}
	e := startEngineWithParser(t, store, parser)
	require.NoError(t, e.Refresh(context.Background()))
	parses := parser.count()
	assert.Equal(t, 3, parses)

	ctx := context.Background()
	changes, err := e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1, "already formatted and invalid numbers are not planned")
	assert.Equal(t, key("a", 0), changes[0].Key)
	assert.Equal(t, "5555648583", changes[0].From)
	assert.Equal(t, "+1 555-564-8583", changes[0].To)
	assert.Equal(t, "mobile", changes[0].Label)

	require.NoError(t, e.SetTargetFormat(ctx, phone.National))
	changes, err = e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "(555) 564-8583", changes[0].To)
	assert.Equal(t, "(555) 564-8584", changes[1].To)

	require.NoError(t, e.SetTargetFormat(ctx, phone.E164))
	changes, err = e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "+15555648583", changes[0].To)

	assert.Equal(t, parses, parser.count(), "switching formats must not re-parse")
	assert.Equal(t, phone.E164, snapshot(t, e).TargetFormat)
}

func TestPendingChanges_InvalidNeverPlanned(t *testing.T) {
	e := startEngine(t, newMemStore(rec("a", 0, "Alice", "not-a-number")))
	require.NoError(t, e.Refresh(context.Background()))

	for _, f := range phone.Formats {
		require.NoError(t, e.SetTargetFormat(context.Background(), f))
		s := snapshot(t, e)
		assert.Empty(t, s.Changes, f.String())
		assert.Empty(t, s.Valid)
		assert.Len(t, s.Invalid, 1)
	}
}

func TestAnyPendingChanges_IgnoresSelection(t *testing.T) {
	e := startEngine(t, newMemStore(rec("a", 0, "Alice", "5555648583")))
	ctx := context.Background()

	pending, err := e.AnyPendingChanges(ctx)
	require.NoError(t, err)
	assert.False(t, pending, "empty snapshot")

	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.SetIncluded(ctx, key("a", 0), false))

	pending, err = e.AnyPendingChanges(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.True(t, snapshot(t, e).AnyPendingChanges())
}

func TestSetIncluded(t *testing.T) {
	store := newMemStore(rec("a", 0, "Alice", "5555648583"), rec("b", 0, "Bob", "junk"))
	e := startEngine(t, store)
	ctx := context.Background()
	require.NoError(t, e.Refresh(ctx))

	require.NoError(t, e.SetIncluded(ctx, key("a", 0), false))
	r, ok := findValid(snapshot(t, e), key("a", 0))
	require.True(t, ok)
	assert.False(t, r.Included)

	changes, err := e.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Included)

	assert.ErrorIs(t, e.SetIncluded(ctx, key("b", 0), false), engine.ErrUnknownRecord, "invalid records cannot be selected")
	assert.ErrorIs(t, e.SetIncluded(ctx, key("zz", 3), true), engine.ErrUnknownRecord)

	// Selections do not survive a refresh.
	require.NoError(t, e.Refresh(ctx))
	r, ok = findValid(snapshot(t, e), key("a", 0))
	require.True(t, ok)
	assert.True(t, r.Included)
}

// -----------------------------------------------------------------------------
// Lifecycle & subscriptions
// -----------------------------------------------------------------------------

func TestSubscribe_ReceivesLatestSnapshot(t *testing.T) {
	e := startEngine(t, newMemStore(rec("a", 0, "Alice", "5555648583")))
	ch, unsubscribe := e.Subscribe()

	require.NoError(t, e.Refresh(context.Background()))

	var last engine.Snapshot
	select {
	case last = <-ch:
	default:
		t.Fatal("expected a snapshot after refresh")
	}
	assert.False(t, last.Refreshing)
	assert.Len(t, last.Valid, 1)

	require.NoError(t, e.SetTargetFormat(context.Background(), phone.National))
	last = <-ch
	assert.Equal(t, phone.National, last.TargetFormat)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestSetTargetFormat_SameFormatIsSilent(t *testing.T) {
	e := startEngine(t, newMemStore(), engine.WithFormat(phone.National))
	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	require.NoError(t, e.SetTargetFormat(context.Background(), phone.National))
	select {
	case <-ch:
		t.Fatal("no notification expected")
	default:
	}
}

func TestEngine_StoppedAfterRun(t *testing.T) {
	e := engine.New(newMemStore(), phone.NewLibParser("US"))
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- e.Run(ctx) }()

	_, err := e.Snapshot(context.Background())
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-ran)
	<-e.Done()

	_, err = e.Snapshot(context.Background())
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.ErrorIs(t, e.Refresh(context.Background()), engine.ErrStopped)
	_, err = e.Commit(context.Background())
	assert.ErrorIs(t, err, engine.ErrStopped)
}

func TestEngine_Metrics(t *testing.T) {
	store := newMemStore(
		rec("a", 0, "Alice", "5555648583"),
		rec("b", 0, "Bob", "5555648584"),
		rec("c", 0, "Carol", "junk"),
	)
	store.failWrites[key("b", 0)] = assert.AnError
	m := metrics.NewCollectors()
	e := startEngine(t, store, engine.WithMetrics(m))

	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Records.WithLabelValues(config.OutcomeValid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues(config.OutcomeInvalid)))

	_, err := e.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues(config.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Writes.WithLabelValues(config.ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commits.WithLabelValues(config.FormatNameInternational)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.Duration), "refresh and commit durations")
}
