package pgstore

import "errors"

// ErrDeviceNotFound indicates a lookup by device ID found no matching row.
var ErrDeviceNotFound = errors.New("pgstore: device not found")
