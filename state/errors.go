package state

import "fmt"

// Error is the closed set of failure kinds surfaced by the mesh core. Call sites wrap it with
// fmt.Errorf("...: %w", ErrX) and callers match with errors.Is.
type Error uint8

const (
	ErrDrop Error = iota + 1
	ErrNoBufs
	ErrNoRoute
	ErrBusy
	ErrParse
	ErrInvalidArgs
	ErrSecurity
	ErrAddressQuery
	ErrNoAddress
	ErrAbort
	ErrInvalidState
	ErrNoAck
	ErrChannelAccessFailure
	ErrDetached
	ErrFcsErr
	ErrNoFrameReceived
	ErrUnknownNeighbor
	ErrInvalidSourceAddress
	ErrNotFound
	ErrAlready
	ErrIpv6AddressCreationFailure
	ErrNotCapable
	ErrResponseTimeout
	ErrDuplicated
)

var errorNames = map[Error]string{
	ErrDrop:                       "drop",
	ErrNoBufs:                     "no buffers",
	ErrNoRoute:                    "no route",
	ErrBusy:                       "busy",
	ErrParse:                      "parse error",
	ErrInvalidArgs:                "invalid arguments",
	ErrSecurity:                   "security",
	ErrAddressQuery:               "address query failed",
	ErrNoAddress:                  "no address",
	ErrAbort:                      "aborted",
	ErrInvalidState:               "invalid state",
	ErrNoAck:                      "no ack",
	ErrChannelAccessFailure:       "channel access failure",
	ErrDetached:                   "detached",
	ErrFcsErr:                     "fcs error",
	ErrNoFrameReceived:            "no frame received",
	ErrUnknownNeighbor:            "unknown neighbor",
	ErrInvalidSourceAddress:       "invalid source address",
	ErrNotFound:                   "not found",
	ErrAlready:                    "already",
	ErrIpv6AddressCreationFailure: "ipv6 address creation failure",
	ErrNotCapable:                 "not capable",
	ErrResponseTimeout:            "response timeout",
	ErrDuplicated:                 "duplicated",
}

func (e Error) Error() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("error(%d)", uint8(e))
}

// Transient reports whether the error is a link-level failure that the caller should retry
// with backoff. These never affect role state.
func (e Error) Transient() bool {
	switch e {
	case ErrNoAck, ErrChannelAccessFailure, ErrFcsErr, ErrNoFrameReceived:
		return true
	}
	return false
}
