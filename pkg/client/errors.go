package client

import "errors"

var (
	// ErrDaemonNotRunning means nothing is listening on the daemon socket.
	ErrDaemonNotRunning = errors.New("rfof daemon not running")

	// ErrPermissionDenied means the socket exists but this user may not
	// open it. See `rfof install --allow-non-root-access`.
	ErrPermissionDenied = errors.New("permission denied on rfof daemon socket")

	// ErrNotFound wraps 404 responses: nothing pending, no measurement yet
	// or an unknown board.
	ErrNotFound = errors.New("not found")

	// ErrConflict wraps 409 responses: the station is busy with another
	// job, or the device is not in the state the request needs.
	ErrConflict = errors.New("conflict")
)
