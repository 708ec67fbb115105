package e2factory

import (
	"github.com/pkg/errors"
)

// Kind classifies an error for the driver's exit handling. The kind of a
// wrapped chain is the kind attached closest to the root cause.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig is a validation failure in a config file. Always fatal
	// and reported before any build starts.
	KindConfig
	// KindIntegrity is a checksum mismatch or cache inconsistency.
	KindIntegrity
	// KindTransport is a network or transport failure.
	KindTransport
	// KindSandbox is a chroot setup, privileged helper or lock failure.
	KindSandbox
	// KindBuildScript is a non-zero exit from the in-chroot build script.
	KindBuildScript
	// KindCycle is a dependency cycle detected during topological sort.
	KindCycle
	// KindAbort is a user-requested shutdown (signal).
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindIntegrity:
		return "integrity error"
	case KindTransport:
		return "transport error"
	case KindSandbox:
		return "sandbox error"
	case KindBuildScript:
		return "build script error"
	case KindCycle:
		return "dependency cycle"
	case KindAbort:
		return "aborted"
	}
	return "error"
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Cause() error  { return e.err }

// WithKind attaches a kind to err. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Errorf creates a new error of the given kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrapf wraps err with a message and attaches a kind.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// KindOf returns the innermost kind attached to err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	kind := KindUnknown
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			kind = ke.kind
		}
		err = errors.Unwrap(err)
	}
	return kind
}

// MessageStack flattens err into its chain of messages, outermost first.
// Each entry strips the suffix contributed by the next inner error so the
// driver can print an indented stack.
func MessageStack(err error) []string {
	var msgs []string
	for err != nil {
		next := errors.Unwrap(err)
		msg := err.Error()
		if next != nil {
			inner := next.Error()
			if trimmed, ok := cutSuffix(msg, ": "+inner); ok {
				msg = trimmed
			} else if msg == inner {
				err = next
				continue
			}
		}
		msgs = append(msgs, msg)
		err = next
	}
	return msgs
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) < len(suffix) || s[len(s)-len(suffix):] != suffix {
		return s, false
	}
	return s[:len(s)-len(suffix)], true
}
