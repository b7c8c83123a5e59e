package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/larder/internal/sync/transport"
)

var (
	// ErrRoomNotFound means a join code did not resolve to an existing
	// household. Surfaced to the user, never retried automatically.
	ErrRoomNotFound = transport.ErrRoomNotFound

	// ErrTransportUnavailable means the sync backend could not be reached.
	// Room creation or join is aborted and fully rolled back.
	ErrTransportUnavailable = transport.ErrUnavailable

	// ErrConnectionTimeout means the connecting phase exceeded its bound
	// before the initial snapshot merge completed.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrPublishFailed means a single change could not be broadcast. Local
	// state remains correct; a manual resync recovers the household.
	ErrPublishFailed = transport.ErrPublishFailed

	// ErrAlreadyConnected means the device is already in a household.
	ErrAlreadyConnected = errors.New("already connected to a household")

	// ErrNotConnected means the operation needs an active household session.
	ErrNotConnected = errors.New("not connected to a household")
)

// classifyConnectErr maps a failure during room create/join onto the error
// taxonomy. Deadline expiry while connecting becomes ErrConnectionTimeout;
// explicit cancellation (LeaveRoom during a connect) passes through.
func classifyConnectErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrConnectionTimeout)
	case errors.Is(err, context.Canceled),
		errors.Is(err, transport.ErrRoomNotFound),
		errors.Is(err, transport.ErrUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrTransportUnavailable, err)
	}
}
