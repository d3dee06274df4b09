package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseInterval parses the annotation interval syntax: a decimal number
// with an optional unit of us, ms, s, m, h, d or w. No unit means
// seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	unit := time.Second
	num := s
	switch {
	case strings.HasSuffix(s, "us"):
		unit, num = time.Microsecond, s[:len(s)-2]
	case strings.HasSuffix(s, "ms"):
		unit, num = time.Millisecond, s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit, num = time.Second, s[:len(s)-1]
	case strings.HasSuffix(s, "m"):
		unit, num = time.Minute, s[:len(s)-1]
	case strings.HasSuffix(s, "h"):
		unit, num = time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "d"):
		unit, num = 24*time.Hour, s[:len(s)-1]
	case strings.HasSuffix(s, "w"):
		unit, num = 7*24*time.Hour, s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return time.Duration(f * float64(unit)), nil
}

// annotationLine splits one comment line into a key and the remaining
// value. The @ prefix is optional; ":" and "=" both separate.
func annotationLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "@")
	if line == "" {
		return "", "", false
	}

	sep := len(line)
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' || line[i] == ':' || line[i] == '=' || line[i] == '\t' {
			sep = i
			break
		}
	}
	key = strings.ToLower(line[:sep])
	if sep < len(line) {
		value = strings.TrimSpace(strings.TrimLeft(line[sep:], " :=\t"))
	}
	return key, value, true
}

// splitList splits a comma-separated annotation value.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyAnnotations walks the routine comment and mutates the endpoint.
// Unrecognized lines are plain documentation and are skipped.
func applyAnnotations(comment string, e *RoutineEndpoint) error {
	validationStatus := 0

	for _, line := range strings.Split(comment, "\n") {
		key, value, ok := annotationLine(line)
		if !ok {
			continue
		}

		switch key {
		case "authorize", "requires-authorization":
			e.RequiresAuthorization = true
			for _, r := range splitList(value) {
				if e.AuthorizeRoles == nil {
					e.AuthorizeRoles = map[string]struct{}{}
				}
				e.AuthorizeRoles[r] = struct{}{}
			}

		case "login":
			e.Login = true
			e.SecuritySensitive = true

		case "logout":
			e.Logout = true

		case "security-sensitive", "sensitive":
			e.SecuritySensitive = true

		case "cached":
			e.Cached = true
			for _, p := range splitList(value) {
				if e.CachedParams == nil {
					e.CachedParams = map[string]struct{}{}
				}
				e.CachedParams[ConvertName(p)] = struct{}{}
			}

		case "cache-expires-in", "cache-expires":
			d, err := ParseInterval(value)
			if err != nil {
				return fmt.Errorf("cache-expires-in: %w", err)
			}
			e.Cached = true
			e.CacheExpiresIn = d

		case "invalidate-cache":
			e.InvalidateCache = true

		case "disabled":
			e.Disabled = true

		case "enabled":
			e.Disabled = false

		case "content-type":
			e.ResponseContentType = value

		case "response-headers":
			for _, h := range strings.Split(value, "|") {
				if k, v, found := strings.Cut(h, ":"); found {
					if e.ResponseHeaders == nil {
						e.ResponseHeaders = map[string]string{}
					}
					e.ResponseHeaders[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			}

		case "buffer-rows":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("buffer-rows: %w", err)
			}
			e.BufferRows = n

		case "raw":
			e.Raw = true

		case "separator":
			e.RawValueSeparator = unquote(value)

		case "new-line":
			e.RawNewLineSeparator = unquote(value)

		case "column-names":
			e.RawColumnNames = true

		case "connection":
			e.ConnectionName = value

		case "timeout", "command-timeout":
			d, err := ParseInterval(value)
			if err != nil {
				return fmt.Errorf("timeout: %w", err)
			}
			e.CommandTimeout = d

		case "upload":
			e.Upload = true
			e.UploadHandlers = splitList(value)

		case "user-context":
			e.UserContext = true

		case "user-parameters":
			e.UseUserParameters = true

		case "path":
			e.Path = value

		case "method":
			e.Method = strings.ToUpper(value)

		case "param-type":
			switch strings.ToLower(value) {
			case "query", "query-string", "querystring":
				e.RequestParamType = ParamQueryString
			case "body", "json", "body-json":
				e.RequestParamType = ParamBodyJson
			}

		case "body-param", "body-parameter":
			e.BodyParameterName = ConvertName(value)

		case "proxy":
			e.IsProxy = true
			e.ProxyHost = value

		case "info-events", "info-streaming":
			e.InfoEvents = true
			switch strings.ToLower(value) {
			case "", "self":
				e.InfoScope = InfoScopeSelf
			case "matching":
				e.InfoScope = InfoScopeMatching
			case "all":
				e.InfoScope = InfoScopeAll
			}

		case "info-path":
			e.InfoPath = value

		case "info-roles":
			for _, r := range splitList(value) {
				if e.InfoRoles == nil {
					e.InfoRoles = map[string]struct{}{}
				}
				e.InfoRoles[r] = struct{}{}
			}

		case "validation":
			if n, err := strconv.Atoi(value); err == nil {
				validationStatus = n
			}

		case "validate":
			param, rules, err := parseValidate(value, validationStatus)
			if err != nil {
				return err
			}
			if e.ParameterValidations == nil {
				e.ParameterValidations = map[string][]ValidationRule{}
			}
			e.ParameterValidations[param] = append(e.ParameterValidations[param], rules...)

		case "param":
			// custom key=value parameter passed through to handlers
			if k, v, found := strings.Cut(value, "="); found {
				if e.CustomParameters == nil {
					e.CustomParameters = map[string]string{}
				}
				e.CustomParameters[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	return nil
}

// parseValidate parses `validate <param> using rule[, rule...]`. The
// value handed in excludes the leading key.
func parseValidate(value string, status int) (string, []ValidationRule, error) {
	name, rest, found := strings.Cut(value, " using ")
	if !found {
		return "", nil, fmt.Errorf("validate: expected '<param> using <rules>' in %q", value)
	}
	param := ConvertName(strings.TrimSpace(name))

	var rules []ValidationRule
	for _, rs := range splitRules(rest) {
		r, err := parseRule(rs)
		if err != nil {
			return "", nil, err
		}
		if status != 0 {
			r.StatusCode = status
		}
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return "", nil, fmt.Errorf("validate: no rules for %q", param)
	}
	return param, rules, nil
}

// splitRules splits on commas outside parentheses so regex patterns can
// contain commas.
func splitRules(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if t := strings.TrimSpace(s[start:]); t != "" {
		out = append(out, t)
	}
	return out
}

func parseRule(s string) (ValidationRule, error) {
	name := strings.ToLower(s)
	arg := ""
	if i := strings.IndexByte(s, '('); i != -1 && strings.HasSuffix(s, ")") {
		name = strings.ToLower(strings.TrimSpace(s[:i]))
		arg = s[i+1 : len(s)-1]
	}

	r := ValidationRule{StatusCode: 400}
	switch name {
	case "notnull", "not-null":
		r.Kind = ValidateNotNull
	case "notempty", "not-empty":
		r.Kind = ValidateNotEmpty
	case "required":
		r.Kind = ValidateRequired
	case "regex":
		r.Kind = ValidateRegex
		r.Pattern = arg
		re, err := regexp.Compile(arg)
		if err != nil {
			return r, fmt.Errorf("regex: %w", err)
		}
		r.re = re
	case "minlength", "min-length":
		r.Kind = ValidateMinLength
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return r, fmt.Errorf("min-length: %w", err)
		}
		r.Length = n
	case "maxlength", "max-length":
		r.Kind = ValidateMaxLength
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return r, fmt.Errorf("max-length: %w", err)
		}
		r.Length = n
	case "email":
		// shorthand for a conservative email pattern
		r.Kind = ValidateRegex
		r.Pattern = `^[^@\s]+@[^@\s]+$`
		r.re = regexp.MustCompile(r.Pattern)
	default:
		return r, fmt.Errorf("unknown validation rule %q", s)
	}
	return r, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}
