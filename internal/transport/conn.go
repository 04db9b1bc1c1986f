// Package transport owns client sockets. The coordination core only ever sees
// the Conn interface; sockets are created, pumped and closed here.
package transport

import (
	"errors"

	"github.com/mossy-p/realtime-chat/internal/models"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("outbound buffer full")
)

// Conn is a handle to one live client connection.
type Conn interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// Send enqueues env without blocking. A full outbound buffer closes the
	// connection and returns ErrBufferFull.
	Send(env models.Envelope) error
	// TrySend enqueues env without blocking and drops it when the buffer is
	// full. Used for advisory events.
	TrySend(env models.Envelope) bool
	// Close is idempotent.
	Close()
}
