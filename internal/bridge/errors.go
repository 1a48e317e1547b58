package bridge

import (
	"errors"
	"fmt"

	"github.com/marcus-qen/editorbridge/internal/bridge/editor"
	"github.com/marcus-qen/editorbridge/internal/bridge/pending"
)

var (
	// ErrNotConnected is returned immediately when no editor is attached.
	ErrNotConnected = editor.ErrNotConnected
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = pending.ErrTimeout
	// ErrDisconnected settles requests that were in flight or queued when the
	// editor connection dropped.
	ErrDisconnected = errors.New("editor disconnected")
	// ErrStopped settles requests outstanding when the bridge is stopped.
	// It matches ErrDisconnected.
	ErrStopped = fmt.Errorf("bridge stopped: %w", ErrDisconnected)
)

// TimeoutError names the tool that did not answer in time.
type TimeoutError = pending.TimeoutError

// RemoteError is an editor-reported tool failure.
type RemoteError struct {
	Tool    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("tool %s failed", e.Tool)
}
