package transfer

import "errors"

var (
	// ErrInvalidFile means the file cannot be transferred (missing or empty).
	ErrInvalidFile = errors.New("file is missing or empty")

	// ErrBusy is returned by Start while another transfer is in progress.
	// At most one transfer runs at a time.
	ErrBusy = errors.New("a transfer is already in progress")

	// ErrNegotiationFailed means the upload session could not be opened or
	// resumed after exhausting retries.
	ErrNegotiationFailed = errors.New("failed to negotiate upload session")

	// ErrCompletionFailed means the completion call failed after exhausting
	// retries, without the store reporting missing chunks.
	ErrCompletionFailed = errors.New("failed to complete upload session")

	// ErrRecoveryFailed means the store reported missing chunks on
	// completion and the single recovery round did not succeed.
	ErrRecoveryFailed = errors.New("failed to recover missing chunks")
)
