// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the operation is illegal in the entity's current state.
var ErrConflict = errors.New("conflict: operation not allowed in current state")

// ErrInvalid indicates the request was malformed or failed validation.
var ErrInvalid = errors.New("invalid request")

// ErrUnavailable indicates the upstream assistant service could not be reached.
var ErrUnavailable = errors.New("assistant service unavailable")
