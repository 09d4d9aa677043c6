package database

import (
	"fmt"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

// StorageErr tags a driver failure as a storage error while keeping the
// original error inspectable.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}
