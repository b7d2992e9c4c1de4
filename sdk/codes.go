package sdk

import (
	"context"
	"errors"

	"h906bridge/internal/inventory"
	"h906bridge/internal/protocol/reader18"
	"h906bridge/internal/tagread"
	"h906bridge/internal/transport"
)

// Link result codes, numbered the way the vendor library numbers them.
const (
	CodeCommError    = 0x30
	CodeCRCError     = 0x31
	CodeLengthError  = 0x32
	CodeLinkClosed   = 0x36
	CodeUnknownError = -1
)

// CodeFor maps an error from any layer onto a Result code. Device statuses
// pass through unchanged.
func CodeFor(err error) int {
	if err == nil {
		return 0
	}

	var rejected *tagread.DeviceRejectedError
	if errors.As(err, &rejected) {
		return int(rejected.Status)
	}
	var statusErr *reader18.StatusError
	if errors.As(err, &statusErr) {
		return int(statusErr.Status)
	}
	var connectErr *inventory.ConnectFailedError
	if errors.As(err, &connectErr) {
		return CodeFor(connectErr.Err)
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeUnknownError
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, transport.ErrNoResponsiveBaud):
		return CodeCommError
	case errors.Is(err, reader18.ErrChecksumMismatch):
		return CodeCRCError
	case errors.Is(err, transport.ErrMalformedResponse),
		errors.Is(err, reader18.ErrTruncated),
		errors.Is(err, reader18.ErrUnknownCommand):
		return CodeLengthError
	case errors.Is(err, transport.ErrLinkClosed), errors.Is(err, tagread.ErrNotConnected):
		return CodeLinkClosed
	}
	return CodeUnknownError
}

func failed(message string, err error) Result {
	return Result{Code: CodeFor(err), Message: message, Error: err.Error()}
}
