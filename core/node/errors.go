package node

import "errors"

var (
	// ErrNoAvailableNode means no healthy node qualified for selection.
	ErrNoAvailableNode = errors.New("no available node")

	// ErrSessionClosed means the operation raced with a deliberate Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateNode means a node with the same name is already registered.
	ErrDuplicateNode = errors.New("duplicate node name")
)
