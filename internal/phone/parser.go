package phone

import (
	"log/slog"
	"os"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/tartampluch/go-contactformatter/internal/config"
	"golang.org/x/text/language"
)

// Number is the parser's canonical representation of a phone number.
// It is opaque to callers and only meaningful to the Parser that produced it.
type Number any

// Parser turns raw strings into canonical numbers and renders them back.
//
// Parse must not fail loudly on malformed input: it reports false instead.
// Format must be deterministic and idempotent, i.e. parsing a formatted
// value and formatting it again in the same style yields the same string.
type Parser interface {
	Parse(raw string) (Number, bool)
	Format(n Number, f Format) string
}

// LibParser implements Parser on top of libphonenumber metadata.
type LibParser struct {
	// Region is the ISO 3166-1 alpha-2 code assumed for numbers written
	// without an international prefix.
	Region string
}

// NewLibParser returns a parser for the given default region.
// An empty region is resolved from the process locale.
func NewLibParser(region string) *LibParser {
	if region == "" {
		region = RegionFromEnv()
	}
	return &LibParser{Region: strings.ToUpper(region)}
}

// Parse accepts any number libphonenumber can read and whose length is
// possible for its country. The type of line is not checked.
func (p *LibParser) Parse(raw string) (Number, bool) {
	num, err := phonenumbers.Parse(raw, p.Region)
	if err != nil {
		return nil, false
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return nil, false
	}
	return num, true
}

// Format renders n in the requested style. Numbers from another parser
// render as the empty string.
func (p *LibParser) Format(n Number, f Format) string {
	num, ok := n.(*phonenumbers.PhoneNumber)
	if !ok || num == nil {
		return ""
	}
	switch f {
	case National:
		return phonenumbers.Format(num, phonenumbers.NATIONAL)
	case E164:
		return phonenumbers.Format(num, phonenumbers.E164)
	default:
		return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
	}
}

// RegionFromEnv derives a region from LC_ALL, LC_MESSAGES or LANG
// (e.g. "fr_FR.UTF-8" -> "FR"), falling back to config.DefaultRegion.
func RegionFromEnv() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			if region, ok := regionFromLocale(v); ok {
				return region
			}
		}
	}
	slog.Debug(config.MsgRegionFallback,
		config.LogKeyComponent, config.CompPhone,
		config.LogKeyRegion, config.DefaultRegion)
	return config.DefaultRegion
}

func regionFromLocale(locale string) (string, bool) {
	// Strip encoding and modifier: "de_CH.UTF-8@euro" -> "de_CH".
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return "", false
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return "", false
	}
	// A bare language ("en") only guesses a region with low confidence.
	region, confidence := tag.Region()
	if confidence < language.High {
		return "", false
	}
	return region.String(), true
}
