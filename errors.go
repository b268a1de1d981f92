package engage

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned when connecting without a session credential.
	ErrNoCredential = errors.New("engage: no credential")
	// ErrAuthRejected means the server refused the credential. The channel
	// stays disconnected until a fresh credential is supplied.
	ErrAuthRejected = errors.New("engage: authentication rejected")
	// ErrNotConnected is returned by Send while the channel is not connected.
	ErrNotConnected = errors.New("engage: not connected")
	// ErrClosed is returned by Engine.Login once the engine has been closed.
	ErrClosed = errors.New("engage: closed")
	// ErrUnknownMutation is returned when committing or rolling back a
	// mutation that is no longer pending.
	ErrUnknownMutation = errors.New("engage: mutation not pending")
)

// APIError represents an error returned by the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// MutationRejectedError is returned when the authoritative request behind an
// optimistic toggle fails. The local state has already been rolled back when
// the caller sees it.
type MutationRejectedError struct {
	Key      ToggleKey
	Snapshot Snapshot
	Err      error
}

func (e *MutationRejectedError) Error() string {
	return fmt.Sprintf("%s %s/%s rejected: %v", e.Key.Kind, e.Key.EntityType(), e.Key.EntityID, e.Err)
}

func (e *MutationRejectedError) Unwrap() error { return e.Err }
