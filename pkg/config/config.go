// Package config loads hierarchical configuration: built-in defaults,
// a user defaults file, a project override file, then environment
// overrides of the form TWINRAVEN__SECTION__KEY. The merged result is
// validated before any component initializes; an invalid config is
// fatal to the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/twinraven/twinraven/pkg/huginn/mining"
	"github.com/twinraven/twinraven/pkg/huginn/registry"
	"github.com/twinraven/twinraven/pkg/huginn/validation"
)

// EnvPrefix introduces environment overrides: TWINRAVEN__LLM__MODEL sets
// llm.model.
const EnvPrefix = "TWINRAVEN__"

// ErrInvalid is returned when the merged configuration fails validation.
var ErrInvalid = errors.New("config: invalid")

// Storage configures the SQLite event store.
type Storage struct {
	// Path is the database file; ":memory:" is accepted for tests.
	Path string `yaml:"path" validate:"required"`

	// BusyTimeoutMS is the SQLite busy timeout.
	BusyTimeoutMS int `yaml:"busy_timeout_ms" validate:"gte=0"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=1"`

	// RetentionDays drives periodic pruning; 0 disables it.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// Collector configures telemetry capture.
type Collector struct {
	// BufferSize > 0 switches contexts to buffered mode.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`

	// BufferIntervalMS is the buffered-mode age flush threshold.
	BufferIntervalMS int `yaml:"buffer_interval_ms" validate:"gte=0"`

	// MaxOutputLength is the stored-output cap before summarization or
	// truncation kicks in.
	MaxOutputLength int `yaml:"max_output_length" validate:"gte=1"`

	// Compression enables LLM-backed output summarization.
	Compression bool `yaml:"compression"`
}

// Registry configures the tool registry and its lifecycle scans.
type Registry struct {
	// Dir is the generated/ document tree root.
	Dir string `yaml:"dir" validate:"required"`

	Scan registry.ScanConfig `yaml:"scan"`
}

// LLM configures the provider.
type LLM struct {
	// Provider selects the backend; only openai is built in.
	Provider string `yaml:"provider" validate:"oneof=openai"`

	// Model is the model identifier passed through to the backend.
	Model string `yaml:"model" validate:"required"`

	// APIKeyEnv names the environment variable holding the credential.
	// The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env" validate:"required"`

	// BaseURL points at a non-default endpoint (local servers, proxies).
	BaseURL string `yaml:"base_url"`

	// TimeoutSeconds bounds one request.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=1"`

	// MaxRetries caps transient-error retries.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
}

// Config is the merged root.
type Config struct {
	Storage    Storage           `yaml:"storage"`
	Collector  Collector         `yaml:"collector"`
	Mining     mining.Config     `yaml:"mining"`
	Validation validation.Config `yaml:"validation"`
	Registry   Registry          `yaml:"registry"`
	LLM        LLM               `yaml:"llm"`
}

// Default returns the built-in baseline every file merges over.
func Default() Config {
	return Config{
		Storage: Storage{
			Path:          "twinraven.db",
			BusyTimeoutMS: 5000,
			MaxOpenConns:  4,
			RetentionDays: 90,
		},
		Collector: Collector{
			MaxOutputLength: 4096,
		},
		Mining:     mining.DefaultConfig(),
		Validation: validation.DefaultConfig(),
		Registry: Registry{
			Dir:  "generated",
			Scan: registry.DefaultScanConfig(),
		},
		LLM: LLM{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			TimeoutSeconds: 120,
			MaxRetries:     3,
		},
	}
}

// Load builds the configuration: defaults, then each file in order
// (missing files are skipped silently), then environment overrides,
// then validation. paths are typically the user defaults file followed
// by the project override.
func Load(paths ...string) (Config, error) {
	cfg := Default()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		// Unmarshal over the accumulated config: keys present in the
		// file override, absent keys keep the prior layer.
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the merged configuration. Struct tags cover the plain
// sections; mining and validation carry their own range checks.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Mining.Validate(); err != nil {
		return fmt.Errorf("%w: mining: %v", ErrInvalid, err)
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("%w: validation: %v", ErrInvalid, err)
	}
	return nil
}

// BufferInterval returns the collector flush interval as a duration.
func (c Collector) BufferInterval() time.Duration {
	return time.Duration(c.BufferIntervalMS) * time.Millisecond
}

// Timeout returns the LLM request timeout as a duration.
func (l LLM) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// APIKey reads the credential from the configured environment variable.
func (l LLM) APIKey() string {
	return os.Getenv(l.APIKeyEnv)
}

// applyEnv walks TWINRAVEN__SECTION__KEY pairs and sets the matching
// yaml-tagged fields. Unknown sections or keys are rejected so typos
// fail loudly instead of silently configuring nothing.
func applyEnv(cfg *Config, environ []string) error {
	for _, pair := range environ {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(name, EnvPrefix), "__")
		if len(parts) < 2 {
			return fmt.Errorf("%w: malformed override %s", ErrInvalid, name)
		}

		target := reflect.ValueOf(cfg).Elem()
		for _, part := range parts {
			field, ok := fieldByTag(target, strings.ToLower(part))
			if !ok {
				return fmt.Errorf("%w: unknown override %s", ErrInvalid, name)
			}
			target = field
		}
		if err := setField(target, value); err != nil {
			return fmt.Errorf("%w: override %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}

// fieldByTag resolves a struct field by its yaml tag.
func fieldByTag(v reflect.Value, tag string) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if name == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setField parses the string value per the field's kind. Durations
// accept Go syntax ("30s"); times are not overridable from env.
func setField(v reflect.Value, raw string) error {
	if !v.CanSet() {
		return errors.New("field not settable")
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if v.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			v.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", v.Kind())
	}
	return nil
}
