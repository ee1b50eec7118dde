package domain

import "errors"

var (
	ErrPeerNotFound    = errors.New("peer not found")
	ErrInvalidPeerID   = errors.New("peer id must not be empty")
	ErrInvalidName     = errors.New("display name must not be empty")
	ErrSessionClosed   = errors.New("session closed")
	ErrPeerUnreachable = errors.New("peer unreachable")
)
