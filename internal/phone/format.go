package phone

import (
	"fmt"
	"strings"

	"github.com/tartampluch/go-contactformatter/internal/config"
)

// Format is the display style numbers are converted to.
type Format int

const (
	International Format = iota
	National
	E164
)

// Formats lists every supported style in display order.
var Formats = []Format{International, National, E164}

// String returns the stable machine name used in settings and query strings.
func (f Format) String() string {
	switch f {
	case International:
		return config.FormatNameInternational
	case National:
		return config.FormatNameNational
	case E164:
		return config.FormatNameE164
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Label returns the human-readable name shown when no translation is available.
func (f Format) Label() string {
	switch f {
	case International:
		return "International"
	case National:
		return "National"
	case E164:
		return "e.164"
	default:
		return f.String()
	}
}

// ParseFormat resolves a machine name (case-insensitive) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.FormatNameInternational:
		return International, nil
	case config.FormatNameNational:
		return National, nil
	case config.FormatNameE164, "e.164":
		return E164, nil
	default:
		return 0, fmt.Errorf("%s: %q", config.ErrFormatUnsupport, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(b []byte) error {
	parsed, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
