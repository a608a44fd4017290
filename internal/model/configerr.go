package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem found in a configuration file.
type CueErrorDetail struct {
	Path    string // tools.0.schedule.max_interval_seconds
	Code    string // see the field rules below
	Message string
	Pos     CueErrorPosition
	Raw     string // cue message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed`)
	reMismatch   = regexp.MustCompile(`(?i)mismatched types`)
)

type fieldRule struct {
	code    string
	message string
}

// fieldRules maps the schema fields with a value constraint to the error
// reported when the constraint fails. Keyed by the last path element.
var fieldRules = map[string]fieldRule{
	"max_interval_seconds": {"interval_range", "max_interval_seconds must not be lower than min_interval_seconds"},
	"max_break_seconds":    {"break_range", "max_break_seconds must not be lower than min_break_seconds"},
	"break_chance":         {"chance_range", "break_chance must be between 0 and 1"},
	"endpoint":             {"endpoint_scheme", "endpoint must be an http:// or https:// URL"},
	"name":                 {"invalid_name", "tool name may contain only letters, digits, '_', '.' and '-'"},
	"mode":                 {"invalid_enum", "schedule mode is not supported"},

	"fixed_interval_seconds": {"not_positive", "fixed_interval_seconds must be greater than 0"},
	"min_interval_seconds":   {"not_positive", "min_interval_seconds must be greater than 0"},
	"min_break_seconds":      {"not_positive", "min_break_seconds must be greater than 0"},
	"grace_period_seconds":   {"not_positive", "grace_period_seconds must be greater than 0"},
	"poll_interval_ms":       {"not_positive", "poll_interval_ms must be greater than 0"},
	"timeout_seconds":        {"not_positive", "timeout_seconds must be greater than 0"},
	"max_attempts":           {"negative", "max_attempts must not be negative, 0 means unlimited"},
	"cooldown_seconds":       {"negative", "cooldown_seconds must not be negative"},

	"target":    {"empty_required", "target must not be empty"},
	"token":     {"empty_required", "token must not be empty"},
	"command":   {"empty_required", "worker command must not be empty"},
	"state_dir": {"empty_required", "state_dir must not be empty"},
	"log_dir":   {"empty_required", "log_dir must not be empty"},
	"addr":      {"empty_required", "status addr must not be empty"},
}

// CueErrDetails explains a LoadConfig error, one detail per field and
// problem. Errors not coming from cue are returned as a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	details := humanize(err)
	if len(details) == 0 && err != nil {
		return []CueErrorDetail{{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		}}
	}
	return details
}

func humanize(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type key struct{ path, code string }
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(format, path)

		// a failed disjunction reports every branch, keep one
		k := key{path, code}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		if code == "invalid_enum" {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(scheduleModes(), ","))
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

// classify maps a cue error on path to a code and a message. Structural
// problems are reported the same way for every field, failed value
// constraints by the rule of the field.
func classify(format, path string) (code, msg string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(format):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", field)
	case reIncomplete.MatchString(format):
		return "missing_required", fmt.Sprintf("field %s is required", field)
	case reMismatch.MatchString(format):
		return "type_mismatch", fmt.Sprintf("field %s has a wrong type", field)
	}
	if rule, ok := fieldRules[field]; ok && ruleApplies(field, path) {
		return rule.code, rule.message
	}
	return "validation_error", fmt.Sprintf("field %s has an invalid value", field)
}

// ruleApplies tells apart fields sharing a name in different sections.
func ruleApplies(field, path string) bool {
	switch field {
	case "name", "endpoint", "target", "token", "command", "timeout_seconds", "max_attempts", "cooldown_seconds":
		return strings.HasPrefix(path, "tools.")
	case "mode":
		return strings.HasSuffix(path, "schedule.mode")
	default:
		return true
	}
}

// scheduleModes lists the values of the schedule.mode disjunction.
func scheduleModes() []string {
	mode := scheduleSchema.LookupPath(cue.ParsePath("mode"))
	var values []string
	if op, args := mode.Expr(); op == cue.OrOp {
		for _, a := range args {
			if s, err := a.String(); err == nil {
				values = append(values, s)
			}
		}
	}
	if len(values) == 0 {
		values = []string{string(ScheduleFixed), string(ScheduleJittered)}
	}
	return values
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

// normalizePath drops the leading #Config definition.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
