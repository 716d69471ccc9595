package engine_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/tartampluch/go-contactformatter/internal/phone"
)

// -----------------------------------------------------------------------------
// In-memory store
// -----------------------------------------------------------------------------

// memStore is an address book held in memory. Writes are visible to the
// next enumeration, like a real store.
type memStore struct {
	mu      sync.Mutex
	records []engine.RawPhoneRecord

	access engine.AccessStatus
	grant  bool

	// enumErrAfter ends the stream with an error after that many records (<0: never).
	enumErrAfter int

	// enumGate, when set, blocks the enumeration after enumGateAfter records.
	enumGate      chan struct{}
	enumGateAfter int
	enumBlocked   chan struct{}

	// writeGate, when set, blocks every write until closed.
	writeGate    chan struct{}
	writeBlocked chan struct{}

	failWrites   map[engine.RecordKey]error
	writes       []engine.RecordKey
	enumerations int
}

func newMemStore(records ...engine.RawPhoneRecord) *memStore {
	return &memStore{
		records:      records,
		access:       engine.AccessGranted,
		enumErrAfter: -1,
		failWrites:   map[engine.RecordKey]error{},
	}
}

func (s *memStore) CheckAccess(context.Context) engine.AccessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

func (s *memStore) RequestAccess(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grant {
		s.access = engine.AccessGranted
	} else {
		s.access = engine.AccessDenied
	}
	return s.grant
}

func (s *memStore) Enumerate(ctx context.Context) iter.Seq2[engine.RawPhoneRecord, error] {
	s.mu.Lock()
	s.enumerations++
	records := append([]engine.RawPhoneRecord(nil), s.records...)
	errAfter, gate, gateAfter, blocked := s.enumErrAfter, s.enumGate, s.enumGateAfter, s.enumBlocked
	s.mu.Unlock()

	return func(yield func(engine.RawPhoneRecord, error) bool) {
		for i, r := range records {
			if i == errAfter {
				yield(engine.RawPhoneRecord{}, errors.New("disk on fire"))
				return
			}
			if gate != nil && i == gateAfter {
				if blocked != nil {
					close(blocked)
				}
				<-gate
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *memStore) Write(ctx context.Context, contactID string, slot int, value string) error {
	s.mu.Lock()
	gate, blocked := s.writeGate, s.writeBlocked
	s.writeBlocked = nil
	s.mu.Unlock()
	if gate != nil {
		if blocked != nil {
			close(blocked)
		}
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := engine.RecordKey{ContactID: contactID, Slot: slot}
	s.writes = append(s.writes, key)
	if err := s.failWrites[key]; err != nil {
		return err
	}
	for i := range s.records {
		if s.records[i].Key() == key {
			s.records[i].RawValue = value
			return nil
		}
	}
	return errors.New("no such slot")
}

func (s *memStore) value(key engine.RecordKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Key() == key {
			return r.RawValue
		}
	}
	return ""
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// -----------------------------------------------------------------------------
// Mock store (testify)
// -----------------------------------------------------------------------------

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CheckAccess(ctx context.Context) engine.AccessStatus {
	return m.Called(ctx).Get(0).(engine.AccessStatus)
}

func (m *MockStore) RequestAccess(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStore) Enumerate(ctx context.Context) iter.Seq2[engine.RawPhoneRecord, error] {
	return m.Called(ctx).Get(0).(iter.Seq2[engine.RawPhoneRecord, error])
}

func (m *MockStore) Write(ctx context.Context, contactID string, slot int, value string) error {
	return m.Called(ctx, contactID, slot, value).Error(0)
}

// -----------------------------------------------------------------------------
// Parser spy
// -----------------------------------------------------------------------------

// countingParser counts Parse calls to prove formats are switched without re-parsing.
type countingParser struct {
	phone.Parser
	mu     sync.Mutex
	parses int
}

func (p *countingParser) Parse(raw string) (phone.Number, bool) {
	p.mu.Lock()
	p.parses++
	p.mu.Unlock()
	return p.Parser.Parse(raw)
}

func (p *countingParser) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parses
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func rec(id string, slot int, name, value string) engine.RawPhoneRecord {
	return engine.RawPhoneRecord{ContactID: id, DisplayName: name, Label: "mobile", RawValue: value, Slot: slot}
}

func key(id string, slot int) engine.RecordKey {
	return engine.RecordKey{ContactID: id, Slot: slot}
}

// startEngine runs an engine for the duration of the test.
func startEngine(t *testing.T, store engine.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	return startEngineWithParser(t, store, phone.NewLibParser("US"), opts...)
}

func startEngineWithParser(t *testing.T, store engine.Store, parser phone.Parser, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e := engine.New(store, parser, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return e
}

func snapshot(t *testing.T, e *engine.Engine) engine.Snapshot {
	t.Helper()
	s, err := e.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func validKeys(s engine.Snapshot) []engine.RecordKey {
	keys := make([]engine.RecordKey, 0, len(s.Valid))
	for _, r := range s.Valid {
		keys = append(keys, r.Key())
	}
	return keys
}

func invalidKeys(s engine.Snapshot) []engine.RecordKey {
	keys := make([]engine.RecordKey, 0, len(s.Invalid))
	for _, r := range s.Invalid {
		keys = append(keys, r.Key())
	}
	return keys
}

func findValid(s engine.Snapshot, k engine.RecordKey) (engine.WorkingRecord, bool) {
	for _, r := range s.Valid {
		if r.Key() == k {
			return r, true
		}
	}
	return engine.WorkingRecord{}, false
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// mockAny matches any argument.
var mockAny = mock.Anything
