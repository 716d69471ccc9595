package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tartampluch/go-contactformatter/internal/config"
)

// ErrTooLarge is returned by the body of a download that exceeds the size cap.
// A truncated book must never be decoded, let alone uploaded back.
var ErrTooLarge = errors.New(config.ErrResponseTooLarge)

// Fetcher moves a whole vCard address book over the network.
// This interface allows for mocking in tests and decoupling from the network layer.
type Fetcher interface {
	Fetch(ctx context.Context, url, user, pass string) (io.ReadCloser, error)
	Upload(ctx context.Context, url, user, pass string, body io.Reader) error
	Probe(ctx context.Context, url, user, pass string) error
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned unexpected status: %d %s", e.Code, e.Status)
}

// HTTPFetcher implements Fetcher using the standard net/http library.
type HTTPFetcher struct {
	Client *http.Client

	// MaxSize caps downloaded bodies, in bytes.
	MaxSize int64
}

// NewHTTPFetcher creates a new instance of HTTPFetcher with configured timeouts.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		MaxSize: config.MaxHTTPResponseSize,
	}
}

// Fetch downloads the address book. Reading past MaxSize bytes fails with
// ErrTooLarge.
func (f *HTTPFetcher) Fetch(ctx context.Context, targetURL, user, pass string) (io.ReadCloser, error) {
	resp, log, err := f.do(ctx, http.MethodGet, targetURL, user, pass, nil)
	if err != nil {
		return nil, err
	}

	log.Info(config.MsgDownload, slog.Int64("content_length", resp.ContentLength))

	limit := f.MaxSize
	if limit <= 0 {
		limit = config.MaxHTTPResponseSize
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(resp.Body, limit+1),
		Closer: resp.Body,
		limit:  limit,
	}, nil
}

// Upload replaces the address book with body.
func (f *HTTPFetcher) Upload(ctx context.Context, targetURL, user, pass string, body io.Reader) error {
	resp, log, err := f.do(ctx, http.MethodPut, targetURL, user, pass, body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	log.Info(config.MsgUpload, slog.Int(config.LogKeyStatus, resp.StatusCode))
	return nil
}

// Probe checks reachability and credentials without downloading the book.
func (f *HTTPFetcher) Probe(ctx context.Context, targetURL, user, pass string) error {
	resp, _, err := f.do(ctx, http.MethodHead, targetURL, user, pass, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// do validates the URL, sends the request and rejects non-2xx answers.
// Query parameters are stripped from logged URLs since they may carry tokens.
func (f *HTTPFetcher) do(ctx context.Context, method, targetURL, user, pass string, body io.Reader) (*http.Response, *slog.Logger, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", config.ErrInvalidURL, err)
	}
	if u.Scheme != config.SchemeHTTP && u.Scheme != config.SchemeHTTPS {
		return nil, nil, fmt.Errorf("%s: %s", config.ErrProtocol, u.Scheme)
	}

	safeURL := u.Scheme + "://" + u.Host + u.Path
	log := slog.With(
		slog.String(config.LogKeyComponent, config.CompFetcher),
		slog.String(config.LogKeyURL, safeURL),
	)
	log.Debug("Sending address book request", slog.String("method", method))

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(config.HeaderUserAgent, config.UserAgent)
	if body != nil {
		req.Header.Set(config.HeaderContentType, config.MimeVCard)
	}
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("network error during %s: %w", method, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_ = resp.Body.Close()
		log.Warn("Server returned error status",
			slog.Int(config.LogKeyStatus, resp.StatusCode),
		)
		return nil, nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, log, nil
}

// limitedReadCloser limits reads while still closing the underlying body.
// The reader allows one byte past limit so an oversized body is detected.
type limitedReadCloser struct {
	io.Reader
	io.Closer
	limit int64
	read  int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	n, err := l.Reader.Read(p)
	l.read += int64(n)
	if l.read > l.limit {
		n = max(n-int(l.read-l.limit), 0)
		return n, fmt.Errorf("%w: over %d bytes", ErrTooLarge, l.limit)
	}
	return n, err
}
