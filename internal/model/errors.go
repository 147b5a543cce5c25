package model

import "errors"

// Terminal failures for a single request. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrNotFound     = errors.New("not found")
	ErrExpired      = errors.New("session expired")
	ErrConflict     = errors.New("attendance already marked")
	ErrNoMatch      = errors.New("face not recognized")
	ErrInvalidInput = errors.New("invalid input")
)
