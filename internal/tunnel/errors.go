package tunnel

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a bad host or port rejected before any I/O.
	KindValidation
	// KindPersistence is a descriptor save or reload failure.
	KindPersistence
	// KindSession is a tunnel start or stop rejected by the host.
	KindSession
	// KindSettingsApply is a network settings application failure.
	KindSettingsApply
	// KindIPC is a control channel encode, decode or transport failure.
	KindIPC
	// KindConfiguration means the runtime could not resolve a usable proxy.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	case KindSession:
		return "session"
	case KindSettingsApply:
		return "settings-apply"
	case KindIPC:
		return "ipc"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ParseKind returns the Kind whose String is s, or KindUnknown.
func ParseKind(s string) Kind {
	for k := KindValidation; k <= KindConfiguration; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Common errors.
var (
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrNotInitialized    = errors.New("tunnel manager not initialized")
	ErrTunnelActive      = errors.New("tunnel is active")
	ErrClosed            = errors.New("closed")
	ErrAlreadyRunning    = errors.New("already running")

	ErrNoProxyHost  = errors.New("No valid proxy host configured")
	ErrInvalidPort  = errors.New("Invalid proxy port")
	ErrInvalidHost  = errors.New("Enter a valid IP address or hostname")
	ErrPortOutRange = errors.New("Enter a valid port (1-65535)")
)
