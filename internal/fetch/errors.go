package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/rb3ckers/storefetch/datatypes"
	"github.com/sony/gobreaker"
)

var ErrNotStarted = errors.New("coordinator has not been started")

const (
	MessageTimeout       = "The request timed out. Please try again later."
	MessageNetworkError  = "Network error: Unable to reach the server. Please check your connection."
	MessageUnexpected    = "An unexpected error occurred."
	MessageLogicalFailed = "Failed to fetch data from the server."
	MessageContact       = "Please contact support."
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindUnsupportedMethod
	KindTimeout
	KindServerError
	KindNetworkError
)

func (k Kind) String() string {
	switch k {
	case KindUnsupportedMethod:
		return "unsupported_method"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	default:
		return "unexpected"
	}
}

// FetchError is a classified dispatch failure. Error() is the message handed to OnError.
type FetchError struct {
	Kind          Kind
	Status        int
	ServerMessage string
	Err           error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindUnsupportedMethod:
		return fmt.Sprintf("Invalid request: %v", e.Err)
	case KindTimeout:
		return MessageTimeout
	case KindServerError:
		msg := e.ServerMessage
		if msg == "" {
			msg = MessageContact
		}

		return fmt.Sprintf("Server error (%d): %s", e.Status, msg)
	case KindNetworkError:
		return MessageNetworkError
	default:
		return MessageUnexpected
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func serverError(status int, message string) *FetchError {
	return &FetchError{Kind: KindServerError, Status: status, ServerMessage: message}
}

// Classify maps a transport error onto the error taxonomy. Errors that are
// already classified are returned as is.
func Classify(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	if errors.Is(err, datatypes.ErrUnsupportedMethod) || errors.Is(err, datatypes.ErrEmptyEndpoint) {
		return &FetchError{Kind: KindUnsupportedMethod, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &FetchError{Kind: KindNetworkError, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || netErr != nil {
		return &FetchError{Kind: KindNetworkError, Err: err}
	}

	return &FetchError{Kind: KindUnexpected, Err: err}
}
