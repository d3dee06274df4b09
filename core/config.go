package core

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultURLPrefix        = "/api/"
	defaultBufferRows       = 25
	defaultCommandTimeout   = 30 * time.Second
	defaultSweepEvery       = time.Minute
	defaultHashKeyThreshold = 128
	defaultMaxCacheableRows = 1000
	defaultInfoPath         = "/info"
	maxPathLength           = 2048
)

// EndpointHandler lets callers adjust or drop a derived endpoint during
// the metadata build. Returning false drops the endpoint.
type EndpointHandler func(r *Routine, e *RoutineEndpoint) bool

// CacheOptions configures the result cache.
type CacheOptions struct {
	// SweepEvery is the background sweeper period.
	SweepEvery time.Duration `mapstructure:"sweep_every"`
	// HashKeyThreshold is the canonical key length beyond which the key is
	// replaced by its SHA-256 hex digest.
	HashKeyThreshold int `mapstructure:"hash_key_threshold"`
	// HashingEnabled toggles key hashing.
	HashingEnabled bool `mapstructure:"hashing_enabled"`
	// MaxCacheableRows bounds record-set caching; larger sets stream
	// uncached.
	MaxCacheableRows int `mapstructure:"max_cacheable_rows"`
}

// AuthOptions configures claims handling and the optional basic-auth
// challenge.
type AuthOptions struct {
	// RoleClaimType is the claim carrying caller roles.
	RoleClaimType string `mapstructure:"role_claim_type"`
	// ClaimMap maps parameter converted names to claim names for
	// user-parameter injection.
	ClaimMap map[string]string `mapstructure:"claim_map"`
	// UseBasicAuth enables the basic-auth challenge path.
	UseBasicAuth bool `mapstructure:"use_basic_auth"`
	// ChallengeQuery is run with (username, password-hash) and must return
	// a single row of claims for a valid login.
	ChallengeQuery string `mapstructure:"challenge_query"`
	// Hasher is the password hasher for hash-of parameters and challenge
	// verification.
	Hasher PasswordHasher `mapstructure:"-"`
}

// ProxyOptions configures the proxy interposer.
type ProxyOptions struct {
	DefaultHost      string        `mapstructure:"default_host"`
	ForwardedHeaders []string      `mapstructure:"forwarded_headers"`
	ExcludedHeaders  []string      `mapstructure:"excluded_headers"`
	Timeout          time.Duration `mapstructure:"timeout"`

	// Response-field parameter names. A routine declaring any of these
	// receives the proxy response instead of the client.
	ResponseStatusCodeParameter   string `mapstructure:"response_status_code_parameter"`
	ResponseBodyParameter         string `mapstructure:"response_body_parameter"`
	ResponseHeadersParameter      string `mapstructure:"response_headers_parameter"`
	ResponseContentTypeParameter  string `mapstructure:"response_content_type_parameter"`
	ResponseSuccessParameter      string `mapstructure:"response_success_parameter"`
	ResponseErrorMessageParameter string `mapstructure:"response_error_message_parameter"`
}

// UploadOptions configures upload handling.
type UploadOptions struct {
	// DefaultHandler is used when an upload endpoint names none.
	DefaultHandler string `mapstructure:"default_handler"`
	// Path is where the file_system handler stores uploads.
	Path string `mapstructure:"path"`
	// MaxSize bounds one upload part in bytes. Zero means unbounded.
	MaxSize int64 `mapstructure:"max_size"`
	// UseTransaction wraps upload requests in a database transaction.
	UseTransaction bool `mapstructure:"use_transaction"`
}

// ConnectionRetryOptions governs retries while opening the metadata
// connection.
type ConnectionRetryOptions struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// Config is the engine configuration. Option keys are enumerated exactly;
// the service layer refuses unknown keys at load time.
type Config struct {
	// URLPathPrefix is prepended to every derived endpoint path.
	URLPathPrefix string `mapstructure:"url_path_prefix"`

	// SchemaSearchPath overrides search_path on the metadata connection.
	SchemaSearchPath string `mapstructure:"schema_search_path"`

	// MetadataQuery is the introspection query contract. When the text has
	// no whitespace it is treated as a function name and invoked with the
	// ten filter parameters below.
	MetadataQuery string `mapstructure:"metadata_query"`

	// Introspection filters, applied when MetadataQuery is a function name.
	SchemaSimilarTo    string   `mapstructure:"schema_similar_to"`
	SchemaNotSimilarTo string   `mapstructure:"schema_not_similar_to"`
	IncludeSchemas     []string `mapstructure:"include_schemas"`
	ExcludeSchemas     []string `mapstructure:"exclude_schemas"`
	NameSimilarTo      string   `mapstructure:"name_similar_to"`
	NameNotSimilarTo   string   `mapstructure:"name_not_similar_to"`
	IncludeNames       []string `mapstructure:"include_names"`
	ExcludeNames       []string `mapstructure:"exclude_names"`
	IncludeLanguages   []string `mapstructure:"include_languages"`
	ExcludeLanguages   []string `mapstructure:"exclude_languages"`

	// DefaultConnection names the data source used when an endpoint names
	// none.
	DefaultConnection string `mapstructure:"default_connection"`

	ConnectionRetry ConnectionRetryOptions `mapstructure:"connection_retry"`

	// CommandRetry is the default per-statement retry strategy; endpoints
	// may override it via annotations.
	CommandRetry RetryStrategy `mapstructure:"command_retry"`

	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	Cache  CacheOptions  `mapstructure:"cache"`
	Auth   AuthOptions   `mapstructure:"auth"`
	Proxy  ProxyOptions  `mapstructure:"proxy"`
	Upload UploadOptions `mapstructure:"upload"`

	// RequestHeadersMode exposes request headers to routines as context,
	// as a JSON parameter, or not at all.
	RequestHeadersMode      RequestHeadersMode `mapstructure:"-"`
	RequestHeadersParamName string             `mapstructure:"request_headers_param_name"`

	QueryStringNullHandling  NullHandling `mapstructure:"-"`
	TextResponseNullHandling NullHandling `mapstructure:"-"`

	BufferRows int `mapstructure:"buffer_rows"`

	// EndpointHandlers run for every derived endpoint during the build.
	EndpointHandlers []EndpointHandler `mapstructure:"-"`

	// ErrorCodePolicy is the default SQLSTATE to problem mapping.
	ErrorCodePolicy map[string]ErrorCodeMapping `mapstructure:"-"`

	// SignIn turns the claim set of a successful login routine into a
	// session; SignOut tears it down. The service layer installs both.
	SignIn  func(http.ResponseWriter, *http.Request, Claims) error `mapstructure:"-"`
	SignOut func(http.ResponseWriter, *http.Request) error         `mapstructure:"-"`

	Logger *zap.SugaredLogger `mapstructure:"-"`
}

// withDefaults fills the zero values the engine relies on.
func (c Config) withDefaults() Config {
	if c.URLPathPrefix == "" {
		c.URLPathPrefix = defaultURLPrefix
	}
	if c.BufferRows == 0 {
		c.BufferRows = defaultBufferRows
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.Cache.SweepEvery == 0 {
		c.Cache.SweepEvery = defaultSweepEvery
	}
	if c.Cache.HashKeyThreshold == 0 {
		c.Cache.HashKeyThreshold = defaultHashKeyThreshold
	}
	if c.Cache.MaxCacheableRows == 0 {
		c.Cache.MaxCacheableRows = defaultMaxCacheableRows
	}
	if c.Auth.RoleClaimType == "" {
		c.Auth.RoleClaimType = "role"
	}
	if c.Auth.Hasher == nil {
		c.Auth.Hasher = DefaultHasher{}
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 30 * time.Second
	}
	if c.RequestHeadersParamName == "" {
		c.RequestHeadersParamName = "headers"
	}
	if c.Upload.DefaultHandler == "" {
		c.Upload.DefaultHandler = "file_system"
	}
	if c.ConnectionRetry.Attempts == 0 {
		c.ConnectionRetry.Attempts = 5
	}
	if c.ConnectionRetry.Delay == 0 {
		c.ConnectionRetry.Delay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}
