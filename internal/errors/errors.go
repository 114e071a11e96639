package errors

import "errors"

// Client errors.
var (
	ErrNoSession     = errors.New("no active session")
	ErrMediaDenied   = errors.New("media capture denied")
	ErrUploadAborted = errors.New("attachment upload aborted")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
