package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/zalando/go-keyring"
)

// WebStore is an address book published as a single vCard resource on a
// CardDAV or WebDAV server. Reads GET it, writes PUT it back whole.
type WebStore struct {
	URL     string
	User    string
	Fetcher Fetcher

	// Secret looks up the password for User. Defaults to the OS keyring.
	Secret func(service, user string) (string, error)

	mu       sync.Mutex
	pass     string
	unlocked bool
}

// NewWebStore returns a store for url. The password is read from the OS
// keyring on the first RequestAccess.
func NewWebStore(url, user string, fetcher Fetcher) *WebStore {
	return &WebStore{
		URL:     url,
		User:    user,
		Fetcher: fetcher,
		Secret:  keyring.Get,
	}
}

func (s *WebStore) credentials() (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.User, s.pass, s.unlocked || s.User == ""
}

// CheckAccess probes the server. Credentials that were never looked up
// count as NotDetermined; transport failures are left to Enumerate to report.
func (s *WebStore) CheckAccess(ctx context.Context) engine.AccessStatus {
	if s.URL == "" || s.Fetcher == nil {
		return engine.AccessRestricted
	}
	user, pass, ready := s.credentials()
	if !ready {
		return engine.AccessNotDetermined
	}

	err := s.Fetcher.Probe(ctx, s.URL, user, pass)
	var se *StatusError
	switch {
	case err == nil:
		return engine.AccessGranted
	case errors.As(err, &se) && se.Code == http.StatusUnauthorized:
		return engine.AccessDenied
	case errors.As(err, &se) && se.Code == http.StatusForbidden:
		return engine.AccessRestricted
	default:
		return engine.AccessGranted
	}
}

// RequestAccess loads the password from the keyring and probes again.
func (s *WebStore) RequestAccess(ctx context.Context) bool {
	s.mu.Lock()
	if s.User != "" && s.Secret != nil {
		p, err := s.Secret(config.KeyringService, s.User)
		if err != nil {
			slog.Debug(config.MsgPassFail,
				config.LogKeyUser, s.User,
				config.LogKeyError, err,
				config.LogKeyComponent, config.CompStore)
		}
		s.pass = p
	}
	s.unlocked = true
	s.mu.Unlock()

	return s.CheckAccess(ctx) == engine.AccessGranted
}

// Enumerate downloads the book and streams its phone numbers.
func (s *WebStore) Enumerate(ctx context.Context) iter.Seq2[engine.RawPhoneRecord, error] {
	return func(yield func(engine.RawPhoneRecord, error) bool) {
		if s.URL == "" {
			yield(engine.RawPhoneRecord{}, errors.New(config.ErrWebURLEmpty))
			return
		}
		if s.Fetcher == nil {
			yield(engine.RawPhoneRecord{}, errors.New(config.ErrFetcherMissing))
			return
		}
		user, pass, _ := s.credentials()

		rc, err := s.Fetcher.Fetch(ctx, s.URL, user, pass)
		if err != nil {
			yield(engine.RawPhoneRecord{}, fmt.Errorf("%s: %w", config.ErrVCardParse, err))
			return
		}
		defer func() { _ = rc.Close() }()

		streamRecords(ctx, rc, yield)
	}
}

// Write downloads the current book, changes one number and uploads it.
// Fetching again per write keeps concurrent remote edits to other cards.
func (s *WebStore) Write(ctx context.Context, contactID string, slot int, value string) error {
	if s.Fetcher == nil {
		return errors.New(config.ErrFetcherMissing)
	}
	user, pass, _ := s.credentials()

	s.mu.Lock()
	defer s.mu.Unlock()

	rc, err := s.Fetcher.Fetch(ctx, s.URL, user, pass)
	if err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	out, err := rewrite(rc, contactID, slot, value)
	_ = rc.Close()
	if err != nil {
		return err
	}

	if err := s.Fetcher.Upload(ctx, s.URL, user, pass, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("%s: %w", config.ErrUpload, err)
	}
	return nil
}
