package controller

import "errors"

// Sentinel errors returned by the controller client.
var (
	// ErrEntityNotFound indicates the controller does not know the entity key.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrControllerUnavailable indicates a transport failure or non-2xx
	// response from the controller API.
	ErrControllerUnavailable = errors.New("controller unavailable")
)
