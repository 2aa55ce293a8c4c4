package fntv

import (
	"errors"
	"fmt"
)

// Response codes returned in the API envelope.
const (
	CodeOK = 0
	// CodeTranscodeNotNeeded is returned by the prepare-playback endpoint when
	// the source can be played as-is and no transcode session was created.
	CodeTranscodeNotNeeded = 8192
)

var (
	// ErrNotFound is returned when the server does not know the requested item.
	// It is not retryable.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTranscodeNotNeeded matches an *APIError carrying CodeTranscodeNotNeeded.
	ErrTranscodeNotNeeded = errors.New("transcode not needed")
)

// NetworkError reports a transport failure talking to the server. Callers may
// retry the operation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// APIError is a non-zero code in the response envelope or an unexpected HTTP
// status.
type APIError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != CodeOK {
		return fmt.Sprintf("%s: api error %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.StatusCode)
}

// Is lets errors.Is match API errors against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTranscodeNotNeeded:
		return e.Code == CodeTranscodeNotNeeded
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}

// IsRetryable reports whether err is worth retrying: transport failures and
// 5xx/429 responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeOK && (apiErr.StatusCode >= 500 || apiErr.StatusCode == 429)
	}

	return false
}
