package upload

import (
	"errors"

	"github.com/konorlevich/danceshare/internal/database"
	"github.com/konorlevich/danceshare/internal/media"
	"github.com/konorlevich/danceshare/internal/storage/chunks"
)

var (
	ErrInputInvalid      = errors.New("invalid input")
	ErrStorageFault      = chunks.ErrStorageFault
	ErrMissingChunk      = chunks.ErrMissingChunk
	ErrConversionTimeout = media.ErrConversionTimeout
	ErrConversionError   = media.ErrConversionError
	ErrUnsupportedMedia  = media.ErrUnsupportedMedia
	ErrQuotaExceeded     = database.ErrQuotaExceeded
	ErrExtractionFailure = media.ErrExtractionFailure

	ErrForbidden = errors.New("not allowed for this account")
	ErrNotFound  = errors.New("video not found")
)

type (
	MissingChunkError  = chunks.MissingChunkError
	QuotaExceededError = database.QuotaExceededError
)

// invalid folds the input errors of the lower layers into ErrInputInvalid, keeping the message.
type invalid struct {
	cause error
}

func (e invalid) Error() string { return e.cause.Error() }

func (e invalid) Unwrap() []error { return []error{ErrInputInvalid, e.cause} }

func classify(err error) error {
	if errors.Is(err, chunks.ErrInvalidChunk) || errors.Is(err, media.ErrInvalidInput) {
		return invalid{cause: err}
	}
	return err
}
