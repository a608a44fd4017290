package model

import "log/slog"

// ErrorClass is the coarse reason an action failed.
type ErrorClass int

const (
	ErrorNone ErrorClass = iota
	// PermissionDenied won't go away until credentials or target change.
	PermissionDenied
	RateLimited
	Transient
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case PermissionDenied:
		return "permission_denied"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// ActionOutcome is the result of a single action call. It is consumed by
// the schedule engine and then dropped.
type ActionOutcome struct {
	Succeeded  bool
	ErrorClass ErrorClass
	StatusCode int
	Err        error
}

// Success is the outcome of a call that went through.
func Success(status int) ActionOutcome {
	return ActionOutcome{Succeeded: true, StatusCode: status}
}

// Failure builds a failed outcome of the given class.
func Failure(class ErrorClass, status int, err error) ActionOutcome {
	return ActionOutcome{ErrorClass: class, StatusCode: status, Err: err}
}

func (o ActionOutcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("succeeded", o.Succeeded),
	}
	if o.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", o.StatusCode))
	}
	if !o.Succeeded {
		attrs = append(attrs, slog.String("error_class", o.ErrorClass.String()))
	}
	if o.Err != nil {
		attrs = append(attrs, slog.String("error", o.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}
