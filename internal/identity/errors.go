package identity

import "errors"

// ErrNotMapped indicates a stable id with no known entity mapping.
var ErrNotMapped = errors.New("stable id not mapped")
