package engine

import "errors"

// Registry errors, per spec.md §7.
var (
	// ErrNotFound is returned by any operation addressing a fingerprint
	// the Registry does not know about.
	ErrNotFound = errors.New("engine: torrent not found")

	// ErrAlreadyExists is returned by an add operation when the
	// descriptor's fingerprint is already registered.
	ErrAlreadyExists = errors.New("engine: torrent already exists")

	// ErrNotPaused is returned by Resume when the torrent is not
	// currently Paused.
	ErrNotPaused = errors.New("engine: torrent is not paused")

	// ErrInTerminalState is returned by Pause when the torrent is not
	// Started (it is already Paused or in Error state).
	ErrInTerminalState = errors.New("engine: torrent is in a terminal state")
)
