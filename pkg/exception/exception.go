// Package exception holds the shared transport error variables.
package exception

import "github.com/yanun0323/errors"

// UDS errors
var (
	// ErrEmptyPathUDS is returned when a socket path is empty.
	ErrEmptyPathUDS = errors.New("uds: empty path")

	// ErrNilClientUDS is returned when a nil client receiver is used.
	ErrNilClientUDS = errors.New("uds: nil client")
)

// Connection errors
var (
	// ErrConnectionClosed is returned when the peer closed the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocol is returned when the peer sent a frame the session cannot
	// accept in its current state.
	ErrProtocol = errors.New("protocol violation")
)
