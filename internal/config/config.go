package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger"`
	Browser BrowserConfig `mapstructure:"browser"`
	Target  TargetConfig  `mapstructure:"target"`
	Session SessionConfig `mapstructure:"session"`
	Wizard  WizardConfig  `mapstructure:"wizard"`
	Extract ExtractConfig `mapstructure:"extract"`
	Output  OutputConfig  `mapstructure:"output"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name"`
	AddSource   bool   `mapstructure:"add_source"`

	// File sink (rotated by lumberjack). Disabled when LogFile is empty.
	LogFile    string `mapstructure:"log_file"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// BrowserConfig controls the Chrome process.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
}

// TargetConfig describes the application under extraction and its login form.
// Selectors are configured per deployment, not discovered.
type TargetConfig struct {
	URL string `mapstructure:"url"`

	// Login form selectors.
	SignInEntry     string `mapstructure:"sign_in_entry"` // optional control that reveals the form
	IdentifierField string `mapstructure:"identifier_field"`
	SecretField     string `mapstructure:"secret_field"`
	SubmitButton    string `mapstructure:"submit_button"`

	// PostLoginMarker only appears once authenticated; ErrorBanner surfaces
	// rejected credentials.
	PostLoginMarker string        `mapstructure:"post_login_marker"`
	ErrorBanner     string        `mapstructure:"error_banner"`
	LoginTimeout    time.Duration `mapstructure:"login_timeout"`
}

// SessionConfig controls session persistence and the validity probe.
type SessionConfig struct {
	File string `mapstructure:"file"`

	// AuthenticatedMarker is the element probed to decide whether a restored
	// session is still live; LoginMarker short-circuits the probe to invalid.
	AuthenticatedMarker string        `mapstructure:"authenticated_marker"`
	LoginMarker         string        `mapstructure:"login_marker"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
}

// WizardConfig describes the fixed configuration wizard in front of the table.
type WizardConfig struct {
	// LaunchControl is clicked before step 1 when present (e.g. "Launch").
	LaunchControl    string        `mapstructure:"launch_control"`
	ValidationBanner string        `mapstructure:"validation_banner"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	Steps            []StepConfig  `mapstructure:"steps"`
}

// StepConfig is one wizard step: an anchor that signals the step is active,
// the inputs it requires, the control that advances it, and the marker that
// signals completion (the next step's anchor, or the table view on the last).
type StepConfig struct {
	Anchor     string        `mapstructure:"anchor"`
	Inputs     []InputConfig `mapstructure:"inputs"`
	Advance    string        `mapstructure:"advance"`
	Completion string        `mapstructure:"completion"`
}

// InputConfig is a single required input within a wizard step.
type InputConfig struct {
	Action   string `mapstructure:"action"` // "click", "fill" or "select"
	Selector string `mapstructure:"selector"`
	Value    string `mapstructure:"value"`
}

// ExtractConfig tunes the virtualized-table extraction loop.
type ExtractConfig struct {
	TableSelector      string `mapstructure:"table_selector"`
	EmptyStateSelector string `mapstructure:"empty_state_selector"`

	// KeyColumns are the cell indices whose joined text forms the row
	// identity used for deduplication across scroll captures.
	KeyColumns []int `mapstructure:"key_columns"`

	// OverlapFraction is the scroll increment as a fraction of the scroll
	// container's viewport. Must stay below 1 so consecutive capture windows
	// overlap and no row can fall between two captures.
	OverlapFraction float64       `mapstructure:"overlap_fraction"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	CaptureTimeout  time.Duration `mapstructure:"capture_timeout"`

	// StaleLimit is the number of consecutive captures with zero new rows
	// after which the loop terminates. MaxAttempts is the safety cap; hitting
	// it truncates the result instead of failing the run.
	StaleLimit  int `mapstructure:"stale_limit"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// OutputConfig controls the snapshot file and its record schema.
type OutputConfig struct {
	Path   string        `mapstructure:"path"`
	Fields []FieldConfig `mapstructure:"fields"`
}

// FieldConfig maps a table column to a named, typed output field.
type FieldConfig struct {
	Name     string `mapstructure:"name"`
	Index    int    `mapstructure:"index"`
	Type     string `mapstructure:"type"` // "string" or "number"
	Required bool   `mapstructure:"required"`
}

// SetDefaults registers default values on the given viper instance. Selector
// defaults match the common shape of the target application; deployments
// override them via config file or GRIDHARVEST_* environment variables.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "gridharvest")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)
	v.SetDefault("browser.action_timeout", 15*time.Second)

	v.SetDefault("target.identifier_field", `input[type="email"]`)
	v.SetDefault("target.secret_field", `input[type="password"]`)
	v.SetDefault("target.submit_button", `button[type="submit"]`)
	v.SetDefault("target.error_banner", `[role="alert"], .error-message`)
	v.SetDefault("target.login_timeout", 20*time.Second)

	v.SetDefault("session.file", "session_state.json")
	v.SetDefault("session.login_marker", `input[type="email"]`)
	v.SetDefault("session.probe_timeout", 10*time.Second)

	v.SetDefault("wizard.step_timeout", 15*time.Second)

	v.SetDefault("extract.table_selector", "table")
	v.SetDefault("extract.key_columns", []int{0})
	v.SetDefault("extract.overlap_fraction", 0.5)
	v.SetDefault("extract.settle_delay", 200*time.Millisecond)
	v.SetDefault("extract.capture_timeout", 10*time.Second)
	v.SetDefault("extract.stale_limit", 5)
	v.SetDefault("extract.max_attempts", 20000)

	v.SetDefault("output.path", "products.json")
}

// Load unmarshals the viper state into a Config and fills schema defaults
// that cannot be expressed as flat viper keys.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Output.Fields) == 0 {
		cfg.Output.Fields = DefaultFields()
	}
	return &cfg, nil
}

// DefaultFields is the column-to-field mapping used when none is configured.
func DefaultFields() []FieldConfig {
	return []FieldConfig{
		{Name: "id", Index: 0, Type: "string", Required: true},
		{Name: "category", Index: 1, Type: "string"},
		{Name: "color", Index: 2, Type: "string"},
		{Name: "dimensions", Index: 3, Type: "string"},
		{Name: "price", Index: 4, Type: "number"},
		{Name: "product", Index: 5, Type: "string"},
		{Name: "score", Index: 6, Type: "number"},
	}
}

// Validate checks the configuration for values that would make a run
// impossible or unbounded.
func (c *Config) Validate() error {
	if c.Target.URL == "" {
		return fmt.Errorf("target.url is required")
	}
	if c.Session.AuthenticatedMarker == "" {
		return fmt.Errorf("session.authenticated_marker is required")
	}
	if c.Target.PostLoginMarker == "" {
		return fmt.Errorf("target.post_login_marker is required")
	}
	if n := len(c.Wizard.Steps); n != 4 {
		return fmt.Errorf("wizard.steps must contain exactly 4 steps, got %d", n)
	}
	for i, step := range c.Wizard.Steps {
		if step.Anchor == "" || step.Completion == "" {
			return fmt.Errorf("wizard step %d must define anchor and completion selectors", i+1)
		}
	}
	if c.Extract.OverlapFraction <= 0 || c.Extract.OverlapFraction >= 1 {
		return fmt.Errorf("extract.overlap_fraction must be in (0, 1), got %v", c.Extract.OverlapFraction)
	}
	if c.Extract.StaleLimit <= 0 {
		return fmt.Errorf("extract.stale_limit must be positive, got %d", c.Extract.StaleLimit)
	}
	if c.Extract.MaxAttempts <= 0 {
		return fmt.Errorf("extract.max_attempts must be positive, got %d", c.Extract.MaxAttempts)
	}
	if len(c.Extract.KeyColumns) == 0 {
		return fmt.Errorf("extract.key_columns must not be empty")
	}
	for _, col := range c.Extract.KeyColumns {
		if col < 0 {
			return fmt.Errorf("extract.key_columns entries must be non-negative, got %d", col)
		}
	}
	if len(c.Output.Fields) == 0 {
		return fmt.Errorf("output.fields must not be empty")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	return nil
}
