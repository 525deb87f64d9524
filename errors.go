package zssp

import "errors"

var (
	// ErrKeysExhausted indicates the session key reached its hard use limit.
	// The session is closed.
	ErrKeysExhausted = errors.New("session keys exhausted")
	// ErrSessionClosed indicates an operation on a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrHandshakeTimedOut indicates an initial handshake that was never
	// answered within the retry policy. The session is closed.
	ErrHandshakeTimedOut = errors.New("handshake timed out")
	// ErrSessionNotEstablished indicates data sent before keys exist
	ErrSessionNotEstablished = errors.New("session not established")
	// ErrInvalidOptions indicates unusable Options
	ErrInvalidOptions = errors.New("invalid options")
	// ErrSessionIDExhausted indicates no free local session ID could be found
	ErrSessionIDExhausted = errors.New("no free session id")
	// ErrNilHost indicates a missing identity host
	ErrNilHost = errors.New("host cannot be nil")
)
