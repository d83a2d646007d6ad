package service

import "errors"

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("expired")
	ErrAlreadyConsumed = errors.New("already consumed")
	ErrConflict        = errors.New("conflict")
)
