package ha

import "errors"

var (
	// ErrAuthInvalid is returned when Home Assistant rejects the access token
	ErrAuthInvalid = errors.New("authentication failed: invalid token")

	// ErrNotConnected is returned by requests made without a live connection
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on a live client
	ErrAlreadyConnected = errors.New("already connected")

	// ErrResponseTimeout is returned when a request got no answer in time
	ErrResponseTimeout = errors.New("timeout waiting for response")

	// ErrDisconnected is returned for requests cut off by connection loss
	ErrDisconnected = errors.New("client disconnected")

	// ErrRequestFailed wraps an error result sent by Home Assistant
	ErrRequestFailed = errors.New("request failed")

	// ErrProtocol is returned when the server breaks the handshake sequence
	ErrProtocol = errors.New("unexpected message")
)
