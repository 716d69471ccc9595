package engine

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/metrics"
	"github.com/tartampluch/go-contactformatter/internal/phone"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	// ErrBusy is returned when a refresh or commit is already in flight.
	// The call was a no-op; callers observe the snapshot and retry.
	ErrBusy = errors.New("engine busy: refresh or commit in flight")

	// ErrUnknownRecord is returned by SetIncluded for keys outside the valid set.
	ErrUnknownRecord = errors.New("unknown record")

	// ErrStopped is returned once Run has returned.
	ErrStopped = errors.New("engine stopped")
)

// Snapshot is the externally visible state of the engine. It is a copy:
// holding on to it never blocks or races with the engine.
type Snapshot struct {
	Valid        []WorkingRecord     `json:"valid"`
	Invalid      []ParsedPhoneRecord `json:"invalid"`
	Changes      []Change            `json:"changes"`
	TargetFormat phone.Format        `json:"target_format"`
	Refreshing   bool                `json:"refreshing"`
	Committing   bool                `json:"committing"`
	Access       AccessStatus        `json:"access"`
	RefreshedAt  time.Time           `json:"refreshed_at"`
	LastCommit   *CommitReport       `json:"last_commit,omitempty"`
}

// AnyPendingChanges reports whether the snapshot's plan is non-empty.
func (s Snapshot) AnyPendingChanges() bool {
	return len(s.Changes) > 0
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBatchSize sets how many records are classified before the snapshot is updated.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFormat sets the initial target format.
func WithFormat(f phone.Format) Option {
	return func(e *Engine) { e.state.format = f }
}

// WithMetrics records refresh and commit activity into m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCollation sorts display names using the rules of lang.
func WithCollation(lang language.Tag) Option {
	return func(e *Engine) { e.collator = collate.New(lang, collate.IgnoreCase) }
}

// state is owned by the Run goroutine and never touched elsewhere.
type state struct {
	valid        []WorkingRecord
	invalid      []ParsedPhoneRecord
	format       phone.Format
	refreshing   bool
	committing   bool
	access       AccessStatus
	refreshedAt  time.Time
	refreshStart time.Time
	lastCommit   *CommitReport
}

// Engine owns the snapshot of phone records and serializes every mutation
// through a single goroutine (see Run). Store I/O runs on worker goroutines
// that hand their results back to that goroutine.
type Engine struct {
	store      Store
	classifier Classifier
	batchSize  int
	metrics    *metrics.Collectors
	now        func() time.Time
	collator   *collate.Collator
	log        *slog.Logger

	cmds     chan func()
	stopped  chan struct{}
	lifetime context.Context
	state    state

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an engine. Run must be called before any other method returns.
func New(store Store, parser phone.Parser, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		classifier: Classifier{Parser: parser},
		batchSize:  config.DefaultBatchSize,
		now:        time.Now,
		collator:   collate.New(language.English, collate.IgnoreCase),
		log:        slog.With(config.LogKeyComponent, config.CompEngine),
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
		lifetime:   context.Background(),
		subs:       make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes commands until ctx is cancelled. Store calls started by
// Refresh and Commit use ctx, so they outlive the callers that started them.
// Run must be called exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.lifetime = ctx
	defer close(e.stopped)

	e.log.Info(config.MsgEngineStart,
		config.LogKeyFormat, e.state.format,
		config.LogKeyBatch, e.batchSize)

	for {
		select {
		case <-ctx.Done():
			e.log.Info(config.MsgEngineStop)
			return nil
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	executed := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(executed) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	// fn runs synchronously once received, so this only waits for it to return.
	<-executed
	return nil
}

// wait blocks until an operation signals done.
func (e *Engine) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// -----------------------------------------------------------------------------
// Queries & pure state updates
// -----------------------------------------------------------------------------

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.do(ctx, func() { s = e.snapshot() })
	return s, err
}

// SetTargetFormat changes the style every record is compared against.
// Nothing is re-parsed.
func (e *Engine) SetTargetFormat(ctx context.Context, f phone.Format) error {
	return e.do(ctx, func() {
		if e.state.format == f {
			return
		}
		e.log.Info(config.MsgFormatChanged,
			config.LogKeyOld, e.state.format,
			config.LogKeyNew, f)
		e.state.format = f
		e.notify()
	})
}

// SetIncluded opts a valid record in or out of the next commit.
func (e *Engine) SetIncluded(ctx context.Context, key RecordKey, included bool) error {
	found := false
	err := e.do(ctx, func() {
		for i := range e.state.valid {
			if e.state.valid[i].Key() == key {
				found = true
				if e.state.valid[i].Included != included {
					e.state.valid[i].Included = included
					e.notify()
				}
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownRecord
	}
	return nil
}

// AnyPendingChanges reports whether at least one valid record differs from
// its formatted value, whether or not it is included.
func (e *Engine) AnyPendingChanges(ctx context.Context) (bool, error) {
	var pending bool
	err := e.do(ctx, func() { pending = e.anyPending() })
	return pending, err
}

// PendingChanges returns the formatting plan for the current target format.
func (e *Engine) PendingChanges(ctx context.Context) ([]Change, error) {
	var changes []Change
	err := e.do(ctx, func() { changes = e.changes() })
	return changes, err
}

func (e *Engine) anyPending() bool {
	for _, r := range e.state.valid {
		if e.classifier.NeedsFormatting(r.ParsedPhoneRecord, e.state.format) {
			return true
		}
	}
	return false
}

func (e *Engine) changes() []Change {
	var out []Change
	for _, r := range e.state.valid {
		if !e.classifier.NeedsFormatting(r.ParsedPhoneRecord, e.state.format) {
			continue
		}
		out = append(out, Change{
			Key:         r.Key(),
			DisplayName: r.DisplayName,
			Label:       r.Label,
			From:        r.RawValue,
			To:          e.classifier.Formatted(r.ParsedPhoneRecord, e.state.format),
			Included:    r.Included,
		})
	}
	return out
}

func (e *Engine) snapshot() Snapshot {
	s := Snapshot{
		Valid:        slices.Clone(e.state.valid),
		Invalid:      slices.Clone(e.state.invalid),
		Changes:      e.changes(),
		TargetFormat: e.state.format,
		Refreshing:   e.state.refreshing,
		Committing:   e.state.committing,
		Access:       e.state.access,
		RefreshedAt:  e.state.refreshedAt,
	}
	if e.state.lastCommit != nil {
		report := *e.state.lastCommit
		s.LastCommit = &report
	}
	return s
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// Subscribe returns a channel receiving a fresh snapshot after every mutation.
// Only the latest snapshot is kept if the reader falls behind.
// The returned func unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Snapshot, config.ChannelBufferSize)
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

func (e *Engine) notify() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if len(e.subs) == 0 {
		return
	}

	snap := e.snapshot()
	for _, ch := range e.subs {
		// Drop the stale snapshot, if any. Only this goroutine sends.
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

// Refresh reloads every phone record from the store and blocks until done.
// It returns ErrBusy without doing anything if a refresh or commit is in flight.
// Enumeration errors are not returned: the partial snapshot is kept and logged.
func (e *Engine) Refresh(ctx context.Context) error {
	var (
		busy bool
		done = make(chan struct{})
	)
	err := e.do(ctx, func() {
		if e.state.refreshing || e.state.committing {
			busy = true
			return
		}
		e.startRefresh(done, nil)
	})
	if err != nil {
		return err
	}
	if busy {
		e.log.Debug(config.MsgRefreshBusy)
		e.metrics.Reject(config.OpRefresh)
		return ErrBusy
	}
	return e.wait(ctx, done)
}

// startRefresh must run on the engine goroutine. after, if set, runs on the
// engine goroutine in the same step that ends the refresh.
func (e *Engine) startRefresh(done chan struct{}, after func()) {
	e.state.refreshing = true
	e.state.refreshStart = e.now()
	e.notify()
	e.log.Info(config.MsgRefreshStarted)

	go e.runRefresh(e.lifetime, done, after)
}

func (e *Engine) runRefresh(ctx context.Context, done chan struct{}, after func()) {
	access := e.store.CheckAccess(ctx)
	if access == AccessNotDetermined {
		e.log.Info(config.MsgAccessRequest)
		if e.store.RequestAccess(ctx) {
			access = AccessGranted
		} else {
			access = e.store.CheckAccess(ctx)
		}
	}

	err := e.do(context.Background(), func() {
		e.state.access = access
		e.state.valid = nil
		e.state.invalid = nil
		e.notify()
	})
	if err != nil {
		return
	}

	if !access.CanRead() {
		e.log.Warn(config.MsgAccessDenied, config.LogKeyAccess, access)
	} else if !e.enumerate(ctx) {
		return
	}

	_ = e.do(context.Background(), func() {
		e.finishRefresh()
		if after != nil {
			after()
		}
		e.notify()
		close(done)
	})
}

// enumerate streams the store into the snapshot in batches.
// It returns false if the engine stopped meanwhile.
func (e *Engine) enumerate(ctx context.Context) bool {
	batch := make([]ParsedPhoneRecord, 0, e.batchSize)
	for raw, err := range e.store.Enumerate(ctx) {
		if err != nil {
			e.log.Warn(config.MsgEnumFailed, config.LogKeyError, err)
			break
		}
		batch = append(batch, e.classifier.Classify(raw))
		if len(batch) >= e.batchSize {
			if !e.ingest(batch) {
				return false
			}
			batch = make([]ParsedPhoneRecord, 0, e.batchSize)
		}
	}
	if len(batch) > 0 {
		return e.ingest(batch)
	}
	return true
}

func (e *Engine) ingest(batch []ParsedPhoneRecord) bool {
	err := e.do(context.Background(), func() {
		valid, invalid := 0, 0
		for _, r := range batch {
			if r.Valid {
				e.state.valid = append(e.state.valid, WorkingRecord{ParsedPhoneRecord: r, Included: true})
				valid++
			} else {
				e.state.invalid = append(e.state.invalid, r)
				invalid++
			}
		}
		e.metrics.Ingested(valid, invalid)
		e.log.Debug(config.MsgBatchIngested,
			config.LogKeyValid, valid,
			config.LogKeyInvalid, invalid)
		e.notify()
	})
	return err == nil
}

func (e *Engine) finishRefresh() {
	slices.SortStableFunc(e.state.valid, func(a, b WorkingRecord) int {
		return e.compare(a.RawPhoneRecord, b.RawPhoneRecord)
	})
	slices.SortStableFunc(e.state.invalid, func(a, b ParsedPhoneRecord) int {
		return e.compare(a.RawPhoneRecord, b.RawPhoneRecord)
	})

	e.state.refreshing = false
	e.state.refreshedAt = e.now()
	elapsed := e.state.refreshedAt.Sub(e.state.refreshStart)
	e.metrics.Observe(config.OpRefresh, elapsed)

	e.log.Info(config.MsgRefreshDone,
		config.LogKeyAccess, e.state.access,
		slog.Group(config.LogKeyStats,
			slog.Int(config.LogKeyValid, len(e.state.valid)),
			slog.Int(config.LogKeyInvalid, len(e.state.invalid)),
		),
		config.LogKeyDuration, elapsed.Milliseconds())
}

// compare orders by display name, then by key so the order is total.
func (e *Engine) compare(a, b RawPhoneRecord) int {
	if c := e.collator.CompareString(a.DisplayName, b.DisplayName); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DisplayName, b.DisplayName); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ContactID, b.ContactID); c != 0 {
		return c
	}
	return cmp.Compare(a.Slot, b.Slot)
}
