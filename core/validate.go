package core

import (
	"regexp"
	"strings"
)

// defaultRuleMessage is used when a rule configures none. {0} is the
// actual parameter name, {1} the converted name, {2} the rule name.
const defaultRuleMessage = "{1} failed {2} validation"

// validateParams applies the endpoint's rule chains to the bound
// parameter vector, short-circuiting on the first failed rule.
func validateParams(e *RoutineEndpoint, params []Parameter) *ValidationError {
	if len(e.ParameterValidations) == 0 {
		return nil
	}
	for i := range params {
		p := &params[i]
		rules, ok := e.ParameterValidations[p.ConvertedName]
		if !ok {
			continue
		}
		for _, r := range rules {
			if err := applyRule(r, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyRule(r ValidationRule, p *Parameter) *ValidationError {
	isNull := !p.Bound || p.Value == nil
	s := p.OriginalStringValue

	failed := false
	switch r.Kind {
	case ValidateNotNull:
		failed = isNull
	case ValidateNotEmpty:
		failed = len(s) == 0
	case ValidateRequired:
		failed = isNull || len(s) == 0
	case ValidateRegex:
		if isNull || len(s) == 0 {
			failed = true
		} else if r.re != nil {
			failed = !r.re.MatchString(s)
		} else {
			re, err := regexp.Compile(r.Pattern)
			failed = err != nil || !re.MatchString(s)
		}
	case ValidateMinLength:
		failed = len(s) < r.Length
	case ValidateMaxLength:
		failed = len(s) > r.Length
	}
	if !failed {
		return nil
	}

	status := r.StatusCode
	if status == 0 {
		status = 400
	}
	msg := r.Message
	if msg == "" {
		msg = defaultRuleMessage
	}
	msg = strings.NewReplacer(
		"{0}", p.ActualName,
		"{1}", p.ConvertedName,
		"{2}", r.Kind.String(),
	).Replace(msg)

	return &ValidationError{StatusCode: status, Message: msg}
}
