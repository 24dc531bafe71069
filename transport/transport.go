// Package transport moves raw byte streams between nodes.
//
// Every exchange uses one connection: the dialer writes a request and reads a
// single response, the listener reads the request, writes the response and
// closes. Message framing lives in the protocol package.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"peerlink/models"
)

var (
	// ErrClosed is returned by operations on a closed listener or transport.
	ErrClosed = errors.New("transport: closed")
	// ErrUnreachable indicates no node listens at the dialed address.
	ErrUnreachable = errors.New("transport: address unreachable")
	// ErrAlreadyListening indicates Listen was called twice.
	ErrAlreadyListening = errors.New("transport: already listening")
)

// Conn is one request/response channel to a remote node.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	// RemoteName is the remote node's self-reported display name.
	RemoteName() string
	// RemoteAddress is the remote endpoint in transport-native form.
	RemoteAddress() models.Address
}

// Listener yields inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Transport dials, listens and enumerates reachable devices.
type Transport interface {
	Dial(ctx context.Context, address models.Address) (Conn, error)
	Listen(ctx context.Context) (Listener, error)
	Devices(ctx context.Context) ([]models.Device, error)
	// LocalAddress is the address remote nodes should dial; nil before Listen.
	LocalAddress() models.Address
}
