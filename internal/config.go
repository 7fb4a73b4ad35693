package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/quire/internal/cache"
	"github.com/starford/quire/internal/discovery"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Folder  FolderConfig      `yaml:"folder"`
	Cache   CacheConfig       `yaml:"cache"`
	Watcher WatcherConfig     `yaml:"watcher"`
	Save    SaveConfig        `yaml:"save"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, section := range []validation.Validatable{&c.App, &c.Folder, &c.Cache, &c.Watcher, &c.Save, &c.Auth} {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// FolderConfig selects the note folder and which files count as notes.
// Empty lists fall back to the built-in defaults.
type FolderConfig struct {
	Path       string   `yaml:"path"`
	Extensions []string `yaml:"extensions"`
	JunkDirs   []string `yaml:"junk_dirs"`
}

// Validate validates the folder configuration.
func (c *FolderConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Extensions, validation.Each(validation.Required)),
	)
}

// Filter builds the discovery filter for this folder.
func (c *FolderConfig) Filter() discovery.Filter {
	return discovery.NewFilter(c.Extensions, c.JunkDirs)
}

// CacheConfig selects the metadata cache backend. An empty Dir resolves to
// the user cache directory.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = cache.BackendFile
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.In(cache.BackendFile, cache.BackendSQLite)),
	)
}

// WatcherConfig holds filesystem watcher tuning.
type WatcherConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the watcher configuration.
func (c *WatcherConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required, validation.Min(10*time.Millisecond), validation.Max(10*time.Second)),
	)
}

// SaveConfig holds autosave tuning. RecentWriteTTL bounds how long an own
// write is remembered for echo suppression.
type SaveConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	RecentWriteTTL time.Duration `yaml:"recent_write_ttl"`
}

// Validate validates the save configuration.
func (c *SaveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Required, validation.Min(50*time.Millisecond)),
		validation.Field(&c.RecentWriteTTL, validation.Required, validation.Min(time.Second)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Folder: FolderConfig{
			Path: "./notes",
		},
		Cache: CacheConfig{
			Backend: cache.BackendFile,
		},
		Watcher: WatcherConfig{
			Debounce: 150 * time.Millisecond,
		},
		Save: SaveConfig{
			Debounce:       500 * time.Millisecond,
			RecentWriteTTL: 3 * time.Second,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
