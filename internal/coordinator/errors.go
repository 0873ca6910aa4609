package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"

	"github.com/gorilla/websocket"
)

// Errors a fetch function returns (usually wrapped) to classify its failure.
var (
	// ErrUpdateFailed marks an expected, recoverable failure such as a
	// malformed payload from the remote API.
	ErrUpdateFailed = errors.New("update failed")

	// ErrAuthFailed marks credentials that are invalid or expired. Recovery
	// needs re-authentication, so the coordinator stops polling.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrConfigError marks a permanent configuration problem that retrying
	// will not fix.
	ErrConfigError = errors.New("configuration error")

	// ErrTimeout marks a fetch that exceeded its own deadline.
	ErrTimeout = errors.New("timeout")

	// ErrTransport marks a network or connection level failure.
	ErrTransport = errors.New("transport failure")
)

// Errors returned to the callers of coordinator operations.
var (
	// ErrNotReady is returned from FirstRefresh when the first fetch failed
	// and setup of the owning integration should be retried later.
	ErrNotReady = errors.New("coordinator not ready")

	// ErrReauthRequired is returned from FirstRefresh when the first fetch
	// failed authentication. Setup must not be retried automatically.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrSetupFailed is returned from FirstRefresh when the fetch reported a
	// permanent configuration error.
	ErrSetupFailed = errors.New("setup failed")

	// ErrShutdown is returned by operations on a coordinator or debouncer
	// that has been shut down.
	ErrShutdown = errors.New("shut down")
)

// UpdateFailed wraps err as an expected update failure.
func UpdateFailed(err error) error { return mark(ErrUpdateFailed, err) }

// AuthFailed wraps err as an authentication failure.
func AuthFailed(err error) error { return mark(ErrAuthFailed, err) }

// ConfigError wraps err as a permanent configuration error.
func ConfigError(err error) error { return mark(ErrConfigError, err) }

// Timeout wraps err as a timeout.
func Timeout(err error) error { return mark(ErrTimeout, err) }

// Transport wraps err as a transport failure.
func Transport(err error) error { return mark(ErrTransport, err) }

func mark(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// UnexpectedError carries an error the classifier did not recognize, or a
// panic recovered from the fetch function.
type UnexpectedError struct {
	Err   error
	Panic any
	// Stack is the goroutine stack captured when a panic was recovered.
	Stack []byte
}

func (e *UnexpectedError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("fetch panicked: %v", e.Panic)
	}
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// FailureKind is the outcome class of one fetch.
type FailureKind uint8

const (
	KindNone FailureKind = iota
	KindTimeout
	KindTransport
	KindUpdateFailed
	KindAuthFailed
	KindConfigError
	KindUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "success"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindUpdateFailed:
		return "update_failed"
	case KindAuthFailed:
		return "auth_failed"
	case KindConfigError:
		return "config_error"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Classify maps a fetch error to its failure kind. Markers set explicitly by
// the fetch function win over what the underlying error looks like.
func Classify(err error) FailureKind {
	if err == nil {
		return KindNone
	}

	var unexpected *UnexpectedError
	switch {
	case errors.As(err, &unexpected):
		return KindUnexpected
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrConfigError):
		return KindConfigError
	case errors.Is(err, ErrUpdateFailed):
		return KindUpdateFailed
	case isTimeout(err):
		return KindTimeout
	case isTransport(err):
		return KindTransport
	default:
		return KindUnexpected
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransport(err error) bool {
	if errors.Is(err, ErrTransport) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var (
		netErr   net.Error
		urlErr   *url.Error
		closeErr *websocket.CloseError
	)
	return errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.As(err, &closeErr)
}

// Propagation selects which failure kinds a refresh returns to its caller
// instead of only recording them.
type Propagation uint8

const (
	PropagateAuthFailed Propagation = 1 << iota
	PropagateConfigError
	PropagateUnexpected

	// PropagateNone swallows every failure, which is what scheduled and
	// debounced refreshes do.
	PropagateNone Propagation = 0
)

func (p Propagation) has(kind FailureKind) bool {
	switch kind {
	case KindAuthFailed:
		return p&PropagateAuthFailed != 0
	case KindConfigError:
		return p&PropagateConfigError != 0
	case KindUnexpected:
		return p&PropagateUnexpected != 0
	default:
		return false
	}
}
