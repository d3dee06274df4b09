package core

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type    string `json:"type,omitempty"`
	Title   string `json:"title,omitempty"`
	Status  int    `json:"status"`
	Detail  string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// writeProblem emits a problem document unless the response has already
// started, in which case only the status would have been sent.
func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// BindingError means a parameter could not be bound or an extra key was
// present. It maps to 404 with an empty body.
type BindingError struct {
	Parameter string
	Extra     bool
}

func (e *BindingError) Error() string {
	if e.Extra {
		return fmt.Sprintf("unexpected parameter %q", e.Parameter)
	}
	return fmt.Sprintf("missing parameter %q", e.Parameter)
}

// ValidationError is a failed validation rule. It maps to the rule's
// status code with a plain-text message.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string { return e.Message }

// AuthError maps to 401 or 403 as a problem document.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string { return e.Detail }

// ProblemError carries a mapped SQLSTATE problem from the endpoint's
// error-code policy.
type ProblemError struct {
	Problem Problem
	State   string
}

func (e *ProblemError) Error() string {
	return fmt.Sprintf("%s: %s", e.State, e.Problem.Title)
}

// ProxyError classifies proxy failures: 504 on timeout, upstream status
// when known, 502 otherwise.
type ProxyError struct {
	StatusCode int
	Message    string
}

func (e *ProxyError) Error() string { return e.Message }

// RetryExhaustedError wraps every attempt error once the retry strategy
// is spent. The last attempt error is innermost.
type RetryExhaustedError struct {
	Attempts int
	Errors   []error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.last())
}

func (e *RetryExhaustedError) Unwrap() error { return e.last() }

func (e *RetryExhaustedError) last() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}
