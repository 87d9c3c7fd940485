package client

import "errors"

var (
	ErrNotConnected       = errors.New("not connected to server")
	ErrNotJoined          = errors.New("join handshake has not completed")
	ErrJoinFailed         = errors.New("join rejected by server")
	ErrTooFewParticipants = errors.New("need at least one other participant to start a call")
	ErrInvalidTransition  = errors.New("invalid call state transition")
	ErrMediaUnavailable   = errors.New("could not acquire local media")
)
