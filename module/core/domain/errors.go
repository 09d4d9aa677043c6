package domain

import "errors"

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrTransient          = errors.New("transient io failure")
	ErrInvalidMarker      = errors.New("invalid marker")
)
