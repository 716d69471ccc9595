package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/engine"
	"github.com/tartampluch/go-contactformatter/internal/i18n"
	"github.com/tartampluch/go-contactformatter/internal/metrics"
	"github.com/tartampluch/go-contactformatter/internal/phone"
	"github.com/tartampluch/go-contactformatter/internal/server"
	"github.com/tartampluch/go-contactformatter/internal/store"
	"golang.org/x/sync/errgroup"
)

// options holds the parsed command line. Empty strings mean "keep the
// value from the settings file".
type options struct {
	version bool
	debug   bool
	commit  bool
	serve   bool
	save    bool

	configPath string
	source     string
	path       string
	url        string
	user       string
	format     string
	region     string
	lang       string
	port       string
	exclude    string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet(config.AppID, flag.ContinueOnError)
	fs.BoolVar(&o.version, config.FlagVersion, false, config.FlagDescVersion)
	fs.BoolVar(&o.debug, config.FlagDebug, false, config.FlagDescDebug)
	fs.BoolVar(&o.commit, config.FlagCommit, false, config.FlagDescCommit)
	fs.BoolVar(&o.serve, config.FlagServe, false, config.FlagDescServe)
	fs.BoolVar(&o.save, config.FlagSave, false, config.FlagDescSave)
	fs.StringVar(&o.configPath, config.FlagConfig, "", config.FlagDescConfig)
	fs.StringVar(&o.source, config.FlagSource, "", config.FlagDescSource)
	fs.StringVar(&o.path, config.FlagPath, "", config.FlagDescPath)
	fs.StringVar(&o.url, config.FlagURL, "", config.FlagDescURL)
	fs.StringVar(&o.user, config.FlagUser, "", config.FlagDescUser)
	fs.StringVar(&o.format, config.FlagFormat, "", config.FlagDescFormat)
	fs.StringVar(&o.region, config.FlagRegion, "", config.FlagDescRegion)
	fs.StringVar(&o.lang, config.FlagLang, "", config.FlagDescLang)
	fs.StringVar(&o.port, config.FlagPort, "", config.FlagDescPort)
	fs.StringVar(&o.exclude, config.FlagExclude, "", config.FlagDescExclude)
	err := fs.Parse(args)
	return o, err
}

// loadSettings reads the settings file and applies command line overrides.
// It also returns the path the settings were read from.
func loadSettings(o options) (config.Settings, string, error) {
	path := o.configPath
	if path == "" {
		p, err := config.SettingsPath()
		if err != nil {
			return config.Settings{}, "", err
		}
		path = p
	}

	s, err := config.LoadSettings(path)
	if err != nil {
		return s, path, err
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&s.SourceMode, o.source)
	override(&s.LocalPath, o.path)
	override(&s.WebURL, o.url)
	override(&s.WebUser, o.user)
	override(&s.Format, strings.ToLower(o.format))
	override(&s.Region, strings.ToUpper(o.region))
	override(&s.Language, o.lang)
	override(&s.ServerPort, o.port)

	return s, path, s.Validate()
}

// newStore builds the adapter selected by the settings.
func newStore(s config.Settings) (engine.Store, error) {
	switch s.SourceMode {
	case config.SourceModeLocal:
		if s.LocalPath == "" {
			return nil, errors.New(config.ErrLocalPathEmpty)
		}
		return store.NewFileStore(s.LocalPath), nil
	case config.SourceModeWeb:
		if s.WebURL == "" {
			return nil, errors.New(config.ErrWebURLEmpty)
		}
		return store.NewWebStore(s.WebURL, s.WebUser, store.NewHTTPFetcher()), nil
	default:
		return nil, fmt.Errorf("%s: %q", config.ErrModeUnsupport, s.SourceMode)
	}
}

// parseExcludes splits a comma separated list of record keys.
func parseExcludes(list string) ([]engine.RecordKey, error) {
	var keys []engine.RecordKey
	for _, part := range strings.Split(list, config.ListSeparator) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := engine.ParseRecordKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// run wires the application and either serves the HTTP API or runs once.
func run(ctx context.Context, o options, stdout io.Writer) error {
	settings, settingsPath, err := loadSettings(o)
	if err != nil {
		return err
	}
	if o.save {
		if err := config.SaveSettings(settingsPath, settings); err != nil {
			return err
		}
		slog.Info(config.MsgSettingsSaved,
			config.LogKeyComponent, config.CompMain,
			config.LogKeyFile, settingsPath,
		)
	}
	excludes, err := parseExcludes(o.exclude)
	if err != nil {
		return err
	}
	format, err := phone.ParseFormat(settings.Format)
	if err != nil {
		return err
	}
	st, err := newStore(settings)
	if err != nil {
		return err
	}

	tr := i18n.New(settings.Language)
	collectors := metrics.NewCollectors()
	eng := engine.New(st, phone.NewLibParser(settings.Region),
		engine.WithFormat(format),
		engine.WithMetrics(collectors),
		engine.WithCollation(tr.Tag),
	)

	slog.Info(config.MsgAppWired,
		config.LogKeyComponent, config.CompMain,
		config.LogKeyMode, settings.SourceMode,
		config.LogKeyFormat, format,
		config.LogKeyLang, tr.Tag.String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return eng.Run(runCtx) })

	if !o.serve {
		g.Go(func() error {
			defer stop()
			return runOnce(runCtx, eng, tr, excludes, o.commit, stdout)
		})
		return g.Wait()
	}

	handler, _ := metrics.NewHandler(metrics.Options{
		Register: collectors.Register,
		Health: func(ctx context.Context) error {
			_, err := eng.Snapshot(ctx)
			return err
		},
	})
	srv := server.NewSnapshotServer(settings.ServerPort, eng, handler)
	updates, unsubscribe := eng.Subscribe()

	g.Go(func() error {
		defer unsubscribe()
		srv.Watch(runCtx, updates)
		return nil
	})
	g.Go(func() error {
		defer stop()
		return srv.Start(runCtx)
	})
	g.Go(func() error {
		snap, err := eng.Snapshot(runCtx)
		if err != nil {
			return ignoreShutdown(err)
		}
		if err := srv.Publish(snap); err != nil {
			return err
		}
		return ignoreShutdown(eng.Refresh(runCtx))
	})
	return g.Wait()
}

// runOnce refreshes, prints the plan and optionally commits it.
func runOnce(ctx context.Context, eng *engine.Engine, tr *i18n.Translator, excludes []engine.RecordKey, commit bool, out io.Writer) error {
	if err := eng.Refresh(ctx); err != nil {
		return err
	}

	for _, k := range excludes {
		if err := eng.SetIncluded(ctx, k, false); err != nil {
			if !errors.Is(err, engine.ErrUnknownRecord) {
				return err
			}
			slog.Warn(config.MsgExcludeUnknown,
				config.LogKeyComponent, config.CompMain,
				config.LogKeyKey, k.String(),
			)
		}
	}

	snap, err := eng.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.Access.CanRead() {
		fmt.Fprintln(out, tr.T(config.TKeyAccessDenied, map[string]any{"Status": snap.Access.String()}))
		return nil
	}

	printPlan(out, tr, snap)
	printInvalid(out, tr, snap.Invalid)

	if !commit || !snap.AnyPendingChanges() {
		return nil
	}
	report, err := eng.Commit(ctx)
	if err != nil {
		return err
	}
	printReport(out, tr, report)
	return nil
}

func printPlan(out io.Writer, tr *i18n.Translator, snap engine.Snapshot) {
	if len(snap.Changes) == 0 {
		fmt.Fprintln(out, tr.T(config.TKeyPlanEmpty, nil))
		return
	}
	fmt.Fprintln(out, tr.T(config.TKeyPlanHeader, map[string]any{"Format": tr.FormatLabel(snap.TargetFormat)}))
	for _, c := range snap.Changes {
		line := tr.T(config.TKeyPlanLine, map[string]any{
			"Key":   c.Key.String(),
			"Name":  c.DisplayName,
			"Label": tr.Label(c.Label),
			"From":  c.From,
			"To":    c.To,
		})
		if !c.Included {
			line += tr.T(config.TKeyPlanExcluded, nil)
		}
		fmt.Fprintln(out, line)
	}
}

func printInvalid(out io.Writer, tr *i18n.Translator, invalid []engine.ParsedPhoneRecord) {
	if len(invalid) == 0 {
		return
	}
	fmt.Fprintln(out, tr.N(config.TKeyInvalidHeader, len(invalid), nil))
	for _, r := range invalid {
		fmt.Fprintln(out, tr.T(config.TKeyInvalidLine, map[string]any{
			"Name":  r.DisplayName,
			"Label": tr.Label(r.Label),
			"Value": r.RawValue,
		}))
	}
}

func printReport(out io.Writer, tr *i18n.Translator, report engine.CommitReport) {
	fmt.Fprintln(out, tr.T(config.TKeyCommitSummary, map[string]any{
		"Written": len(report.Written),
		"Failed":  len(report.Failures),
	}))
	for _, f := range report.Failures {
		fmt.Fprintln(out, tr.T(config.TKeyCommitFailure, map[string]any{
			"Name":  f.DisplayName,
			"Error": f.Error,
		}))
	}
}

// ignoreShutdown drops the errors caused by the application stopping.
func ignoreShutdown(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, engine.ErrStopped) {
		return nil
	}
	return err
}
