package helper

import "github.com/cockroachdb/errors"

var (
	// ErrTimeout: the lifetime timer expired and the process was signalled.
	ErrTimeout = errors.New("plugin timed out")
	// ErrCrash: the process failed before producing a response.
	ErrCrash = errors.New("plugin crashed")
	// ErrMalformedOutput: the process exited without printing a JSON object.
	ErrMalformedOutput = errors.New("plugin produced malformed output")

	ErrNotStarted  = errors.New("plugin not started")
	ErrAlreadySent = errors.New("plugin request already sent")
)
