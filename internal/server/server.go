package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/tartampluch/go-contactformatter/internal/phone"
)

// Controller is the part of the engine the HTTP API drives.
type Controller interface {
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	Refresh(ctx context.Context) error
	Commit(ctx context.Context) (engine.CommitReport, error)
	SetTargetFormat(ctx context.Context, f phone.Format) error
	SetIncluded(ctx context.Context, key engine.RecordKey, included bool) error
}

// cacheItem stores the rendered snapshot and its metadata for HTTP caching.
type cacheItem struct {
	data         []byte
	etag         string
	lastModified string // RFC1123 format required by HTTP headers
}

// SnapshotServer serves the engine snapshot as JSON and accepts commands.
type SnapshotServer struct {
	// cache is read on every GET and replaced after every engine mutation.
	cache   atomic.Pointer[cacheItem]
	Port    string
	Engine  Controller
	Metrics http.Handler
}

// NewSnapshotServer creates a server. metrics may be nil.
func NewSnapshotServer(port string, ctrl Controller, metrics http.Handler) *SnapshotServer {
	return &SnapshotServer{
		Port:    port,
		Engine:  ctrl,
		Metrics: metrics,
	}
}

// Handler returns the routing table.
func (s *SnapshotServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(config.RouteRoot, s.handleSnapshot)
	mux.HandleFunc(config.RouteRefresh, s.handleRefresh)
	mux.HandleFunc(config.RouteCommit, s.handleCommit)
	mux.HandleFunc(config.RouteFormat, s.handleFormat)
	mux.HandleFunc(config.RouteInclude, s.handleInclude)
	if s.Metrics != nil {
		mux.Handle(config.RouteMetrics, s.Metrics)
		mux.Handle(config.RouteHealth, s.Metrics)
	}
	return mux
}

// Start initializes the HTTP server and blocks until the context is cancelled.
func (s *SnapshotServer) Start(ctx context.Context) error {
	if s.Port == "" {
		return errors.New(config.ErrPortRequired)
	}

	srv := &http.Server{
		Addr:         config.LocalhostBindAddr + config.AddrSeparator + s.Port,
		Handler:      s.Handler(),
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	serverError := make(chan error, config.ChannelBufferSize)

	go func() {
		slog.Info(config.MsgServerListen,
			config.LogKeyComponent, config.CompServer,
			config.LogKeyPort, s.Port,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info(config.MsgServerStop, config.LogKeyComponent, config.CompServer)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s: %w", config.ErrServerShutdown, err)
		}
		return nil

	case err := <-serverError:
		return fmt.Errorf("%s: %w", config.ErrServerStartup, err)
	}
}

// Watch publishes every snapshot received until ctx ends or updates is closed.
func (s *SnapshotServer) Watch(ctx context.Context, updates <-chan engine.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				slog.Debug(config.MsgWatchStopped, config.LogKeyComponent, config.CompServer)
				return
			}
			if err := s.Publish(snap); err != nil {
				slog.Error(config.ErrWriteResp,
					config.LogKeyComponent, config.CompServer,
					config.LogKeyError, err,
				)
			}
		}
	}
}

// Publish renders snap and makes it the served content.
func (s *SnapshotServer) Publish(snap engine.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.Update(data)
	return nil
}

// Update atomically replaces the served content.
func (s *SnapshotServer) Update(data []byte) {
	hash := sha256.Sum256(data)
	etag := fmt.Sprintf(config.FormatETag, hex.EncodeToString(hash[:]))

	// Readers see either the old or the new item, never a partial one.
	s.cache.Store(&cacheItem{
		data:         data,
		etag:         etag,
		lastModified: time.Now().UTC().Format(http.TimeFormat),
	})

	slog.Debug(config.MsgCacheUpdated,
		config.LogKeyComponent, config.CompServer,
		config.LogKeySizeBytes, len(data),
		config.LogKeyETag, etag,
	)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// handleSnapshot serves the cached snapshot with HTTP caching support.
func (s *SnapshotServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != config.RouteRoot {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set(config.HeaderAllow, config.AllowedMethodsRead)
		http.Error(w, config.HTTPMsgMethodNotAll, http.StatusMethodNotAllowed)
		return
	}

	item := s.cache.Load()
	if item == nil {
		w.Header().Set(config.HeaderRetryAfter, config.RetryAfterSeconds)
		http.Error(w, config.HTTPMsgInitializing, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set(config.HeaderContentType, config.MimeJSON)
	w.Header().Set(config.HeaderXContentType, config.MimeNoSniff)
	w.Header().Set(config.HeaderCacheControl, config.CacheControlPrivate)
	w.Header().Set(config.HeaderETag, item.etag)
	w.Header().Set(config.HeaderLastModified, item.lastModified)

	if match := r.Header.Get(config.HeaderIfNoneMatch); match == item.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// Snapshots can change several times per second, so If-Modified-Since
	// only helps when no ETag was sent.
	if since := r.Header.Get(config.HeaderIfModifiedSince); since != "" && r.Header.Get(config.HeaderIfNoneMatch) == "" {
		if clientTime, err := time.Parse(http.TimeFormat, since); err == nil {
			if serverTime, err := time.Parse(http.TimeFormat, item.lastModified); err == nil {
				if !serverTime.After(clientTime) {
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}
	}

	if r.Method == http.MethodGet {
		if _, err := io.Copy(w, bytes.NewReader(item.data)); err != nil {
			slog.Error(config.ErrWriteResp,
				config.LogKeyComponent, config.CompServer,
				config.LogKeyError, err,
			)
		}
	}
}

func (s *SnapshotServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, config.AllowedMethodsCmd) {
		return
	}
	if err := s.Engine.Refresh(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.Engine.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, snap)
}

func (s *SnapshotServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost, config.AllowedMethodsCmd) {
		return
	}
	report, err := s.Engine.Commit(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, report)
}

func (s *SnapshotServer) handleFormat(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut, config.AllowedMethodsSet) {
		return
	}
	f, err := phone.ParseFormat(r.URL.Query().Get(config.QueryStyle))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Engine.SetTargetFormat(r.Context(), f); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *SnapshotServer) handleInclude(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut, config.AllowedMethodsSet) {
		return
	}
	q := r.URL.Query()
	contact := q.Get(config.QueryContact)
	slot, errSlot := strconv.Atoi(q.Get(config.QuerySlot))
	included, errIncl := strconv.ParseBool(q.Get(config.QueryIncluded))
	if contact == "" || errSlot != nil || slot < 0 || errIncl != nil {
		http.Error(w, config.ErrBadQuery, http.StatusBadRequest)
		return
	}

	key := engine.RecordKey{ContactID: contact, Slot: slot}
	if err := s.Engine.SetIncluded(r.Context(), key, included); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps engine errors to status codes.
func (s *SnapshotServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn(config.MsgCommandFailed,
		config.LogKeyComponent, config.CompServer,
		config.LogKeyRoute, r.URL.Path,
		config.LogKeyError, err,
	)
	switch {
	case errors.Is(err, engine.ErrBusy):
		w.Header().Set(config.HeaderRetryAfter, config.RetryAfterSeconds)
		http.Error(w, config.HTTPMsgBusy, http.StatusConflict)
	case errors.Is(err, engine.ErrUnknownRecord):
		http.Error(w, config.HTTPMsgNotFound, http.StatusNotFound)
	case errors.Is(err, engine.ErrStopped):
		http.Error(w, config.HTTPMsgStopped, http.StatusServiceUnavailable)
	default:
		http.Error(w, config.HTTPMsgInternalErr, http.StatusInternalServerError)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method, allowed string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set(config.HeaderAllow, allowed)
	http.Error(w, config.HTTPMsgMethodNotAll, http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set(config.HeaderContentType, config.MimeJSON)
	w.Header().Set(config.HeaderXContentType, config.MimeNoSniff)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(config.ErrWriteResp,
			config.LogKeyComponent, config.CompServer,
			config.LogKeyError, err,
		)
	}
}
