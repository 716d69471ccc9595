package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings holds the user-editable preferences persisted between runs.
// The web password is never stored here; it lives in the OS keyring.
type Settings struct {
	SourceMode string `yaml:"source_mode" validate:"required,oneof=local web"`
	LocalPath  string `yaml:"local_path,omitempty" validate:"required_if=SourceMode local"`
	WebURL     string `yaml:"web_url,omitempty" validate:"required_if=SourceMode web,omitempty,url"`
	WebUser    string `yaml:"web_user,omitempty"`
	Format     string `yaml:"format" validate:"required,oneof=international national e164"`
	Region     string `yaml:"region,omitempty" validate:"omitempty,len=2,alpha"`
	Language   string `yaml:"language" validate:"required"`
	ServerPort string `yaml:"server_port" validate:"required,numeric"`
}

var validate = validator.New()

// DefaultSettings returns the settings used when no file exists yet.
func DefaultSettings() Settings {
	return Settings{
		SourceMode: SourceModeLocal,
		Format:     DefaultFormat,
		Language:   DefaultLanguage,
		ServerPort: DefaultPort,
	}
}

// Validate checks the settings and reports every offending field at once.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: %w", ErrSettingsInvalid, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+"="+fe.Tag())
	}
	return fmt.Errorf("%s: %s", ErrSettingsInvalid, strings.Join(fields, ", "))
}

// SettingsPath returns the default location of the settings file.
func SettingsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%s: %w", ErrConfigDir, err)
	}
	return filepath.Join(dir, AppID, SettingsFileName), nil
}

// LoadSettings reads the YAML file at path. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug(MsgSettingsMissing,
			LogKeyComponent, CompSettings,
			LogKeyFile, path)
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("%s: %w", ErrSettingsRead, err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%s: %w", ErrSettingsRead, err)
	}
	return s, nil
}

// SaveSettings writes the settings to path with owner-only permissions.
func SaveSettings(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("%s: %w", ErrSettingsWrite, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirPermUserRWX); err != nil {
		return fmt.Errorf("%s: %w", ErrCreateDir, err)
	}
	if err := os.WriteFile(path, data, FilePermUserRW); err != nil {
		return fmt.Errorf("%s: %w", ErrSettingsWrite, err)
	}
	return nil
}
