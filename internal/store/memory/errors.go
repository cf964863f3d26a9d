package memorystore

import "errors"

// ErrDeviceNotFound indicates a lookup by device ID found no matching
// identity record.
var ErrDeviceNotFound = errors.New("memorystore: device not found")
