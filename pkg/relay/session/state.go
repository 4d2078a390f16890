package session

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/yourusername/relay/pkg/relay/scan"
)

// State is the position of a session in its keep-alive loop.
type State int32

const (
	// StateIdle is between exchanges, before the keep-alive decision.
	StateIdle State = iota

	// StateReading is waiting for the request line.
	StateReading

	// StateLineReady means a request line was read and the handler owns the
	// rest of the exchange.
	StateLineReady

	// StateLineTooLarge means no CRLF was found within the line ceiling or
	// the remaining budget.
	StateLineTooLarge

	// StateConnectionClosed means the peer ended the stream.
	StateConnectionClosed

	// StateTimedOut means no request arrived within the keep-alive timeout,
	// or the session was interrupted.
	StateTimedOut

	// StateIOError is any other read failure, or a failed exchange.
	StateIOError

	// StateClosed is final. It is also the outcome when the keep-alive
	// policy or the handler ended the loop.
	StateClosed
)

// String returns the snake_case state name, used as a metrics label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateLineReady:
		return "line_ready"
	case StateLineTooLarge:
		return "line_too_large"
	case StateConnectionClosed:
		return "connection_closed"
	case StateTimedOut:
		return "timed_out"
	case StateIOError:
		return "io_error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// classify maps a request-line read error to the terminal state it causes.
func classify(err error) State {
	switch {
	case err == nil:
		return StateLineReady
	case errors.Is(err, scan.ErrLineTooLong):
		return StateLineTooLarge
	case isTimeout(err):
		return StateTimedOut
	case isPeerClosed(err):
		return StateConnectionClosed
	default:
		return StateIOError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isPeerClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
