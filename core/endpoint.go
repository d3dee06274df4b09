package core

import (
	"regexp"
	"strings"
	"time"

	"github.com/dbfold/pgmux/core/internal/pgdesc"
)

// RoutineType is the kind of database object behind an endpoint.
type RoutineType int

const (
	RoutineFunction RoutineType = iota
	RoutineProcedure
	RoutineTable
	RoutineView
	RoutineOther
)

func routineTypeOf(s string) RoutineType {
	switch strings.ToLower(s) {
	case "function":
		return RoutineFunction
	case "procedure":
		return RoutineProcedure
	case "table":
		return RoutineTable
	case "view":
		return RoutineView
	default:
		return RoutineOther
	}
}

// Volatility mirrors pg_proc.provolatile.
type Volatility byte

const (
	VolatilityVolatile  Volatility = 'v'
	VolatilityStable    Volatility = 's'
	VolatilityImmutable Volatility = 'i'
	VolatilityOther     Volatility = 0
)

// CrudType is the derived access class of a routine. Routines named like
// reads and non-volatile routines classify as Select; everything else
// keeps Select as well since volatility alone cannot prove a write.
type CrudType int

const (
	CrudSelect CrudType = iota
	CrudInsert
	CrudUpdate
	CrudDelete
)

// ParamKind tags where a request parameter was bound from.
type ParamKind int

const (
	ParamQueryString ParamKind = iota
	ParamBodyJson
	ParamBody
	ParamHeader
	ParamPath
)

// NullHandling selects how nulls surface in query strings and text
// responses.
type NullHandling int

const (
	NullAsEmptyString NullHandling = iota
	NullAsLiteral
	NullIgnored
	// NullNoContent applies to text responses only: a null scalar yields 204.
	NullNoContent
)

// RequestHeadersMode controls whether request headers are exposed to the
// routine as context, as a parameter, or not at all.
type RequestHeadersMode int

const (
	HeadersIgnore RequestHeadersMode = iota
	HeadersContext
	HeadersParameter
)

// Parameter is one routine input. The metadata table holds the template;
// requests bind against a per-request clone.
type Parameter struct {
	Ordinal        int
	ActualName     string
	ConvertedName  string
	TypeDescriptor pgdesc.TypeDescriptor

	// bound per request
	Value               any
	Bound               bool
	OriginalStringValue string
	ParamKind           ParamKind

	// classification
	IsIPAddress      bool
	IsUserClaims     bool
	UserClaim        string
	IsUploadMetadata bool
	// HashOf is the converted name of the parameter whose raw value this
	// parameter receives as a password hash.
	HashOf string
}

// CompositeColumn records a composite column that was expanded into
// sibling columns at metadata time. Expanded indices are consecutive and
// disjoint across composites; the streamer re-groups them by index.
type CompositeColumn struct {
	FieldNames            []string
	FieldDescriptors      []pgdesc.TypeDescriptor
	ConvertedName         string
	ExpandedColumnIndices []int
}

// Routine is an immutable descriptor of one discovered database object.
type Routine struct {
	Type       RoutineType
	Schema     string
	Name       string
	Comment    string
	Volatility Volatility
	IsStrict   bool
	HasVariadic bool

	Parameters []Parameter

	IsVoid               bool
	ReturnsSet           bool
	ReturnsUnnamedSet    bool
	ReturnsRecordType    bool
	ColumnCount          int
	OriginalColumnNames  []string
	ConvertedColumnNames []string
	ColumnTypes          []pgdesc.TypeDescriptor

	// Expression is the invocation prefix, e.g.
	// `select "a", "b" from "public"."fn"(`.
	Expression       string
	FullDefinition   string
	SimpleDefinition string

	// Composite columns keyed by the index of the first expanded column.
	CompositeColumns      map[int]*CompositeColumn
	CompositeArrayColumns map[int]*CompositeColumn
}

// ParamCount returns the number of declared input parameters.
func (r *Routine) ParamCount() int { return len(r.Parameters) }

// Crud classifies the routine. Read-only names and non-volatile routines
// are Select. The remaining volatility branches also resolve to Select;
// the original behavior is preserved here even though an Update intent is
// plausible for volatile non-read names.
func (r *Routine) Crud() CrudType {
	n := strings.ToLower(r.Name)
	if strings.HasPrefix(n, "get_") || strings.HasPrefix(n, "select_") || strings.HasPrefix(n, "read_") {
		return CrudSelect
	}
	switch r.Volatility {
	case VolatilityStable, VolatilityImmutable:
		return CrudSelect
	default:
		return CrudSelect
	}
}

// ValidationRule is one validation applied to a bound parameter.
type ValidationRule struct {
	Kind       ValidationKind
	Pattern    string // Regex
	Length     int    // MinLength, MaxLength
	StatusCode int    // default 400
	// Message supports {0}=actual name, {1}=converted name, {2}=rule name.
	Message string

	re *regexp.Regexp // compiled Pattern
}

// ValidationKind enumerates the supported rules.
type ValidationKind int

const (
	ValidateNotNull ValidationKind = iota
	ValidateNotEmpty
	ValidateRequired
	ValidateRegex
	ValidateMinLength
	ValidateMaxLength
)

func (k ValidationKind) String() string {
	switch k {
	case ValidateNotNull:
		return "not-null"
	case ValidateNotEmpty:
		return "not-empty"
	case ValidateRequired:
		return "required"
	case ValidateRegex:
		return "regex"
	case ValidateMinLength:
		return "min-length"
	case ValidateMaxLength:
		return "max-length"
	}
	return "unknown"
}

// ErrorCodeMapping maps one SQLSTATE to an RFC 7807 problem shape.
type ErrorCodeMapping struct {
	StatusCode int
	Title      string
	Type       string
	Details    string
}

// RetryStrategy is a delay sequence plus a SQLSTATE allowlist consulted by
// the retry runner.
type RetryStrategy struct {
	RetrySequence []time.Duration
	ErrorCodes    []string
}

// MaxAttempts is 1 + the length of the delay sequence.
func (rs RetryStrategy) MaxAttempts() int { return 1 + len(rs.RetrySequence) }

// Allows reports whether the SQLSTATE is in the allowlist.
func (rs RetryStrategy) Allows(code string) bool {
	for _, c := range rs.ErrorCodes {
		if c == code {
			return true
		}
	}
	return false
}

// RoutineEndpoint describes how one routine is exposed over HTTP. It is
// mutable until the metadata build completes and must not change after.
type RoutineEndpoint struct {
	Path             string
	Method           string
	RequestParamType ParamKind // ParamQueryString or ParamBodyJson

	// authorization
	RequiresAuthorization bool
	AuthorizeRoles        map[string]struct{}
	Login                 bool
	Logout                bool
	SecuritySensitive     bool

	// response shaping
	ResponseContentType      string
	ResponseHeaders          map[string]string
	TextResponseNullHandling NullHandling
	QueryStringNullHandling  NullHandling
	BufferRows               int
	Raw                      bool
	RawValueSeparator        string
	RawNewLineSeparator      string
	RawColumnNames           bool

	// cache
	Cached          bool
	CachedParams    map[string]struct{}
	CacheExpiresIn  time.Duration
	InvalidateCache bool

	// connection
	ConnectionName  string
	CommandTimeout  time.Duration
	Retry           RetryStrategy
	ErrorCodePolicy map[string]ErrorCodeMapping

	// uploads
	Upload         bool
	UploadHandlers []string

	// user context
	UserContext       bool
	UseUserParameters bool

	// server-sent events
	InfoEvents bool
	InfoPath   string
	InfoScope  InfoScope
	InfoRoles  map[string]struct{}

	// proxy
	IsProxy        bool
	ProxyHost      string
	RequestHeaders RequestHeadersMode
	RequestHeadersParamName string

	// BodyParameterName names the parameter receiving the raw request
	// body, when one is declared.
	BodyParameterName string

	PathParameters       []string
	ParameterValidations map[string][]ValidationRule
	CustomParameters     map[string]string

	Disabled bool
}

// HasRole reports whether any of the caller roles satisfies the endpoint
// role set. An empty set admits any authenticated caller.
func (e *RoutineEndpoint) HasRole(roles []string) bool {
	if len(e.AuthorizeRoles) == 0 {
		return true
	}
	for _, r := range roles {
		if _, ok := e.AuthorizeRoles[r]; ok {
			return true
		}
	}
	return false
}

// InfoScope filters which notices an SSE endpoint broadcasts.
type InfoScope int

const (
	// InfoScopeSelf delivers notices only to the request that caused them.
	InfoScopeSelf InfoScope = iota
	// InfoScopeMatching delivers to subscribers whose roles match.
	InfoScopeMatching
	// InfoScopeAll delivers to every subscriber of the endpoint.
	InfoScopeAll
)

// Entry pairs a routine with its endpoint in the metadata table.
type Entry struct {
	Routine  *Routine
	Endpoint *RoutineEndpoint
}

// Key returns the primary table key.
func (e *Entry) Key() string { return e.Endpoint.Method + e.Endpoint.Path }

// MetadataTable is the immutable output of the metadata build.
type MetadataTable struct {
	Entries []*Entry
	// Lookup is keyed by method+path.
	Lookup map[string]*Entry
	// Overloads indexes displaced entries by method+path+paramCount.
	Overloads map[string]*Entry
	// HasStreamingEvents is true when any endpoint opted into SSE.
	HasStreamingEvents bool
}

// add registers an entry. On a method+path collision the latest entry
// takes the primary lookup; displaced ones stay reachable through the
// overload index.
func (t *MetadataTable) add(e *Entry) {
	t.Entries = append(t.Entries, e)
	t.Lookup[e.Key()] = e
	t.Overloads[e.Key()+"/"+itoa(e.Routine.ParamCount())] = e
	if e.Endpoint.InfoEvents {
		t.HasStreamingEvents = true
	}
}

// Get returns the entry for a method and path.
func (t *MetadataTable) Get(method, path string) (*Entry, bool) {
	e, ok := t.Lookup[method+path]
	return e, ok
}

// Overload returns the displaced entry registered for the given parameter
// count, if any.
func (t *MetadataTable) Overload(method, path string, paramCount int) (*Entry, bool) {
	e, ok := t.Overloads[method+path+"/"+itoa(paramCount)]
	return e, ok
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// cloneParameters copies the template vector for one request. Slices in
// descriptors are shared; they are read-only after build.
func cloneParameters(tpl []Parameter) []Parameter {
	ps := make([]Parameter, len(tpl))
	copy(ps, tpl)
	return ps
}

// ConvertName converts a database identifier into the client-facing form:
// leading underscores trimmed, snake_case to camelCase.
func ConvertName(name string) string {
	name = strings.TrimLeft(name, "_")
	if name == "" {
		return name
	}
	var sb strings.Builder
	sb.Grow(len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		sb.WriteByte(c)
	}
	return sb.String()
}

// PathSegment converts a database identifier into the URL form: leading
// underscores trimmed, underscores to dashes.
func PathSegment(name string) string {
	return strings.ReplaceAll(strings.TrimLeft(name, "_"), "_", "-")
}
