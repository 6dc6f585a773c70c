package models

import "errors"

var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict") // status did not match the expected prior status
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidArgument    = errors.New("invalid argument")
)
