package domain

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotOpen      = errors.New("data channel not open")
	ErrUnrecognizedMessage = errors.New("unrecognized message")
	ErrNegativeRoundTrip   = errors.New("negative round trip time")
	ErrConnectivityLost    = errors.New("connectivity lost")
	ErrSessionActive       = errors.New("session already started")
	ErrSessionNotStarted   = errors.New("session not started")
	ErrInvalidPrompt       = errors.New("invalid prompt")
)

type NegotiationStage string

const (
	StageOfferCreation     NegotiationStage = "offer-creation"
	StageLocalDescription  NegotiationStage = "local-description"
	StageGathering         NegotiationStage = "gathering"
	StageSignalingExchange NegotiationStage = "signaling-exchange"
	StageRemoteDescription NegotiationStage = "remote-description"
)

// NegotiationError is the only error kind surfaced to the user.
type NegotiationError struct {
	Stage NegotiationStage
	Err   error
}

func NewNegotiationError(stage NegotiationStage, err error) *NegotiationError {
	return &NegotiationError{Stage: stage, Err: err}
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// MessageParseError carries the offending payload. It is logged and dropped.
type MessageParseError struct {
	Raw string
	Err error
}

func (e *MessageParseError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	return fmt.Sprintf("parse %q: %v", raw, e.Err)
}

func (e *MessageParseError) Unwrap() error {
	return e.Err
}
