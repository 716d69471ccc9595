package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
)

// FileStore is an address book kept in a local .vcf file.
type FileStore struct {
	Path string

	// mu serializes read-modify-write cycles of this process. Other
	// processes editing the file are not coordinated with.
	mu sync.Mutex
}

// NewFileStore returns a store for the vCard file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// CheckAccess maps file permissions onto access levels: a read-only file
// is Limited, a missing one NotDetermined.
func (s *FileStore) CheckAccess(ctx context.Context) engine.AccessStatus {
	log := slog.With(config.LogKeyComponent, config.CompStore, config.LogKeyFile, s.Path)

	if s.Path == "" {
		return engine.AccessRestricted
	}
	info, err := os.Stat(s.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return engine.AccessNotDetermined
	case errors.Is(err, fs.ErrPermission):
		return engine.AccessDenied
	case err != nil:
		log.Debug(config.MsgStatFailed, config.LogKeyError, err)
		return engine.AccessDenied
	case !info.Mode().IsRegular():
		return engine.AccessRestricted
	}

	r, err := os.Open(s.Path)
	if err != nil {
		return engine.AccessDenied
	}
	_ = r.Close()

	w, err := os.OpenFile(s.Path, os.O_WRONLY, 0)
	if err != nil {
		return engine.AccessLimited
	}
	_ = w.Close()
	return engine.AccessGranted
}

// RequestAccess cannot prompt anyone for a file; it only logs the situation.
func (s *FileStore) RequestAccess(ctx context.Context) bool {
	slog.Warn(config.MsgAccessDenied,
		config.LogKeyComponent, config.CompStore,
		config.LogKeyFile, s.Path)
	return false
}

// Enumerate streams the phone numbers of every card in the file.
func (s *FileStore) Enumerate(ctx context.Context) iter.Seq2[engine.RawPhoneRecord, error] {
	return func(yield func(engine.RawPhoneRecord, error) bool) {
		if s.Path == "" {
			yield(engine.RawPhoneRecord{}, errors.New(config.ErrLocalPathEmpty))
			return
		}
		f, err := os.Open(s.Path)
		if err != nil {
			yield(engine.RawPhoneRecord{}, fmt.Errorf("%s: %w", config.ErrVCardParse, err))
			return
		}
		defer func() { _ = f.Close() }()

		streamRecords(ctx, f, yield)
	}
}

// Write rewrites the file with one phone number changed. The new content
// goes to a temporary file that replaces the original, so a crash never
// leaves a truncated address book.
func (s *FileStore) Write(ctx context.Context, contactID string, slot int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}

	out, err := rewrite(bytes.NewReader(data), contactID, slot, value)
	if err != nil {
		return err
	}

	// Writability of the target is checked up front: rename only needs the
	// directory to be writable and would silently bypass a read-only file.
	probe, err := os.OpenFile(s.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	_ = probe.Close()

	return replaceFile(s.Path, out, info.Mode().Perm())
}

func replaceFile(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), config.TempFilePattern)
	if err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%s: %w", config.ErrAddressBookWrite, err)
	}
	return nil
}
