package serv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/dbfold/pgmux/core"
	"github.com/dbfold/pgmux/serv/internal/util"
)

// Core re-exports the engine configuration for embedding.
type Core = core.Config

const envPrefix = "PGMUX_"

// Config is the full service configuration: the engine core plus the
// HTTP and connection layers around it.
type Config struct {
	// Configuration for the gateway engine
	Core `mapstructure:",squash"`

	// Configuration for the HTTP service
	Serv `mapstructure:",squash"`

	hostPort string
	path     string
	viper    *viper.Viper
}

// Serv is the HTTP service configuration.
type Serv struct {
	// Application name is used in log and debug messages
	AppName string `mapstructure:"app_name"`

	// When enabled runs the service with production defaults: JSON logs,
	// no config watching.
	Production bool

	// Logging level must be one of debug, error, warn, info
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug error warn info"`

	// Logging Format: "auto" (colored console in dev, JSON in production),
	// "json" or "simple"
	LogFormat string `mapstructure:"log_format" validate:"omitempty,oneof=auto json simple"`

	// The host and port the service runs on. Example localhost:8080
	HostPort string `mapstructure:"host_port"`

	// Host to run the service on
	Host string

	// Port to run the service on
	Port string

	// Enables HTTP compression
	HTTPGZip bool `mapstructure:"http_compress"`

	// Sets the API rate limits
	RateLimiter RateLimiter `mapstructure:"rate_limiter"`

	// Enables reloading the service on config changes. Disabled in production
	WatchAndReload bool `mapstructure:"reload_on_config_change"`

	// Sets the HTTP CORS Access-Control-Allow-Origin header
	AllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// Sets the HTTP CORS Access-Control-Allow-Headers header
	AllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Enables debug logs for CORS
	DebugCORS bool `mapstructure:"cors_debug"`

	// Sets the default authentication used by the service
	Auth Auth

	// Named database connections; the key is the connection name endpoints
	// refer to
	Connections map[string]Database `mapstructure:"connections" validate:"required,dive"`
}

// RateLimiter sets the API rate limits
type RateLimiter struct {
	Rate     float64
	Bucket   int
	IPHeader string `mapstructure:"ip_header"`
}

// Auth configures bearer-token verification and session issuing.
type Auth struct {
	// Type is "jwt", "basic" or "none"
	Type string `validate:"omitempty,oneof=jwt basic none"`

	// JWT signing and verification
	Secret    string
	Issuer    string
	Audience  string
	ExpiresIn time.Duration `mapstructure:"expires_in"`

	// CookieName, when set, also carries the issued token as an HTTP-only
	// cookie
	CookieName string `mapstructure:"cookie_name"`
}

// Database is one named PostgreSQL connection.
type Database struct {
	ConnString string `mapstructure:"connection_string"`
	Host       string
	Port       uint16
	DBName     string
	User       string
	Password   string
	Schema     string

	// Size of database connection pool
	PoolSize int `mapstructure:"pool_size"`

	// Max time after which idle database connections are closed
	MaxConnIdleTime time.Duration `mapstructure:"max_connection_idle_time"`

	// Max time after which database connections are not reused
	MaxConnLifeTime time.Duration `mapstructure:"max_connection_life_time"`

	// Database ping timeout is used for db health checking
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// ReadInConfig reads in the config file for the environment. A top-level
// `inherits` key merges the named base config underneath the file itself.
func ReadInConfig(configFile string) (*Config, error) {
	return readInConfig(configFile, nil)
}

// ReadInConfigFS is the same as ReadInConfig but reads from the given
// filesystem.
func ReadInConfigFS(configFile string, fs afero.Fs) (*Config, error) {
	return readInConfig(configFile, fs)
}

func readInConfig(configFile string, fs afero.Fs) (*Config, error) {
	cp := filepath.Dir(configFile)
	vi := newViper(cp, filepath.Base(configFile))

	if fs != nil {
		vi.SetFs(fs)
	}

	if err := vi.ReadInConfig(); err != nil {
		return nil, err
	}

	if pcf := vi.GetString("inherits"); pcf != "" {
		cf := vi.ConfigFileUsed()
		vi = newViper(cp, pcf)
		if fs != nil {
			vi.SetFs(fs)
		}

		if err := vi.ReadInConfig(); err != nil {
			return nil, err
		}

		if value := vi.GetString("inherits"); value != "" {
			return nil, fmt.Errorf("inherited config '%s' cannot itself inherit '%s'", pcf, value)
		}

		vi.SetConfigFile(cf)

		if err := vi.MergeInConfig(); err != nil {
			return nil, err
		}
	}

	for _, e := range os.Environ() {
		if strings.HasPrefix(e, envPrefix) {
			kv := strings.SplitN(e, "=", 2)
			util.SetKeyValue(vi, kv[0], kv[1], envPrefix)
		}
	}

	config := &Config{viper: vi, path: cp}

	if err := vi.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// NewConfig creates a configuration from the provided config string.
func NewConfig(config, format string) (*Config, error) {
	if format == "" {
		format = "yaml"
	}

	vi := newViperWithDefaults()
	vi.SetConfigType(format)

	if err := vi.ReadConfig(strings.NewReader(config)); err != nil {
		return nil, err
	}

	c := &Config{viper: vi}

	if err := vi.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config, %v", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&c.Serv); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: field %s failed %s validation", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// newViperWithDefaults returns a new viper instance with the default settings
func newViperWithDefaults() *viper.Viper {
	vi := viper.New()

	vi.SetDefault("host_port", "0.0.0.0:8080")
	vi.SetDefault("log_level", "info")
	vi.SetDefault("log_format", "auto")
	vi.SetDefault("http_compress", true)

	vi.SetDefault("url_path_prefix", "/api/")
	vi.SetDefault("buffer_rows", 25)

	vi.SetDefault("auth.type", "none")
	vi.SetDefault("auth.cookie_name", "pgmux-session")
	vi.SetDefault("auth.expires_in", "1h")

	vi.BindEnv("env", "GO_ENV") //nolint:errcheck
	vi.BindEnv("host", "HOST")  //nolint:errcheck
	vi.BindEnv("port", "PORT")  //nolint:errcheck

	return vi
}

// newViper returns a new viper instance with the default settings
func newViper(configPath, configFile string) *viper.Viper {
	vi := newViperWithDefaults()
	vi.SetConfigName(strings.TrimSuffix(configFile, filepath.Ext(configFile)))

	if configPath == "" {
		vi.AddConfigPath("./config")
	} else {
		vi.AddConfigPath(configPath)
	}

	return vi
}

// GetConfigName returns the config file name for the current GO_ENV.
func GetConfigName() string {
	ge := strings.ToLower(os.Getenv("GO_ENV"))
	switch {
	case strings.HasPrefix(ge, "pro"):
		return "prod"
	case strings.HasPrefix(ge, "sta"):
		return "stage"
	case strings.HasPrefix(ge, "tes"):
		return "test"
	default:
		return "dev"
	}
}

// AbsolutePath returns the absolute path of the file relative to the
// config directory.
func (c *Config) AbsolutePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.path, p)
}
