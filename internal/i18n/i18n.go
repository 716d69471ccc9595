// Package i18n translates the CLI output.
package i18n

import (
	"embed"
	"encoding/json"
	"log/slog"
	"strings"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/tartampluch/go-contactformatter/internal/config"
	"github.com/tartampluch/go-contactformatter/internal/phone"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Translator renders messages in one language, falling back to English.
type Translator struct {
	// Languages lists the locale codes found in the embedded files.
	Languages []string
	Tag       language.Tag

	bundle    *goi18n.Bundle
	localizer *goi18n.Localizer
}

// New loads every embedded locale and selects lang.
func New(lang string) *Translator {
	bundle := goi18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	tr := &Translator{bundle: bundle}

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		slog.Error(config.ErrLocalesAccess,
			config.LogKeyComponent, config.CompI18n,
			config.LogKeyError, err,
		)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "active.") || !strings.HasSuffix(name, ".json") {
			slog.Debug(config.MsgLocaleSkip,
				config.LogKeyComponent, config.CompI18n,
				config.LogKeyFile, name,
			)
			continue
		}

		code := strings.TrimSuffix(strings.TrimPrefix(name, "active."), ".json")
		if code == "" {
			slog.Warn(config.MsgLocaleBadName,
				config.LogKeyComponent, config.CompI18n,
				config.LogKeyFile, name,
			)
			continue
		}

		if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+name); err != nil {
			slog.Error(config.ErrLocaleLoad,
				config.LogKeyComponent, config.CompI18n,
				config.LogKeyFile, name,
				config.LogKeyError, err,
			)
			continue
		}
		tr.Languages = append(tr.Languages, code)
		slog.Debug(config.MsgLocaleLoaded,
			config.LogKeyComponent, config.CompI18n,
			config.LogKeyLang, code,
		)
	}

	tr.SetLanguage(lang)
	return tr
}

// SetLanguage switches the output language. Unknown languages fall back to English.
func (tr *Translator) SetLanguage(lang string) {
	if lang == "" {
		lang = config.DefaultLanguage
	}
	tr.localizer = goi18n.NewLocalizer(tr.bundle, lang)

	supported := []language.Tag{language.English}
	for _, code := range tr.Languages {
		if t, err := language.Parse(code); err == nil {
			supported = append(supported, t)
		}
	}
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	_, idx, _ := language.NewMatcher(supported).Match(tag)
	tr.Tag = supported[idx]
}

// T translates key with optional template data. A missing key renders as itself.
func (tr *Translator) T(key string, data map[string]any) string {
	return tr.localize(&goi18n.LocalizeConfig{MessageID: key, TemplateData: data})
}

// N translates a message with plural forms selected by count.
// data.Count is set to count.
func (tr *Translator) N(key string, count int, data map[string]any) string {
	if data == nil {
		data = map[string]any{}
	}
	data["Count"] = count
	return tr.localize(&goi18n.LocalizeConfig{MessageID: key, PluralCount: count, TemplateData: data})
}

// FormatLabel returns the translated name of f.
func (tr *Translator) FormatLabel(f phone.Format) string {
	switch f {
	case phone.National:
		return tr.T(config.TKeyFormatNational, nil)
	case phone.E164:
		return tr.T(config.TKeyFormatE164, nil)
	case phone.International:
		return tr.T(config.TKeyFormatInternational, nil)
	default:
		return f.Label()
	}
}

// Label returns label, or the translated generic label when it is empty.
func (tr *Translator) Label(label string) string {
	if label != "" {
		return label
	}
	return tr.T(config.TKeyUnknownLabel, nil)
}

func (tr *Translator) localize(lc *goi18n.LocalizeConfig) string {
	msg, err := tr.localizer.Localize(lc)
	if err != nil {
		slog.Debug(config.MsgTransMissing,
			config.LogKeyComponent, config.CompI18n,
			config.LogKeyKey, lc.MessageID,
			config.LogKeyError, err,
		)
		return lc.MessageID
	}
	return msg
}
