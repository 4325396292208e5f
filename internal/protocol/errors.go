package protocol

import (
	"errors"
	"time"
)

var (
	ErrInvalidPeerID     = errors.New("protocol: invalid peer id")
	ErrBufferTooSmall    = errors.New("protocol: buffer too small to decode packet")
	ErrUnsupportedVersion = errors.New("protocol: unsupported packet version")
	ErrPayloadTooLarge   = errors.New("protocol: payload length exceeds buffer")
	ErrUnknownFlags      = errors.New("protocol: unknown header flags")
	ErrFragmentTooShort  = errors.New("protocol: fragment payload too short")
	ErrFragmentIncomplete = errors.New("protocol: fragment set incomplete")
)

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// NowMillisForDisplay exposes the local-clock millisecond timestamp
// handlers substitute for a sender-supplied one, sidestepping skewed
// clocks in the UI (spec.md §4.4, MESSAGE broadcast).
func NowMillisForDisplay() uint64 {
	return nowMillis()
}
