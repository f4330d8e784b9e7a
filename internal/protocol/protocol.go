// Package protocol implements the mitch command/response wire protocol:
// fixed command frames written to the command characteristic and the
// operating-state decode of the GetState response. Pure functions, no I/O.
package protocol

import (
	"errors"
	"fmt"
)

// GATT characteristics exposed by mitch units. Commands are written to and
// read back from the command characteristic; telemetry is notified on the
// data characteristic.
const (
	CommandCharUUID = "d5913036-2d8a-41ee-85b9-4e361aa5c8a7"
	DataCharUUID    = "09bf2c52-d1d9-c0b7-4145-475964544307"
)

// Command is the closed set of operations a mitch unit accepts.
type Command int

const (
	GetState Command = iota
	StartStream
	StopStream
)

// Frames carry no variable-length payload in this protocol.
var commandFrames = map[Command][]byte{
	GetState:    {0x82, 0x00},
	StartStream: {0x02, 0x03, 0xF8, 0x04, 0x04},
	StopStream:  {0x02, 0x01, 0x02},
}

// Frame returns the outbound byte sequence for the command. The returned
// slice is a fresh copy; callers may not corrupt the frame tables.
func (c Command) Frame() []byte {
	frame, ok := commandFrames[c]
	if !ok {
		panic(fmt.Sprintf("protocol: unknown command %d", int(c)))
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}

func (c Command) String() string {
	switch c {
	case GetState:
		return "GetState"
	case StartStream:
		return "StartStream"
	case StopStream:
		return "StopStream"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// OperatingState is the firmware-reported lifecycle mode of a mitch unit.
// StateNone means disconnected or not yet polled; it is never sent on the
// wire.
type OperatingState byte

const (
	StateNone    OperatingState = 0x00
	SysStartup   OperatingState = 0x01
	SysIdle      OperatingState = 0x02
	SysStandby   OperatingState = 0x03
	SysLog       OperatingState = 0x04
	SysReadout   OperatingState = 0x05
	SysTx        OperatingState = 0xF8
	SysError     OperatingState = 0xFF
	BootStartup  OperatingState = 0xF0
	BootIdle     OperatingState = 0xF1
	BootDownload OperatingState = 0xF2
)

// stateNames doubles as the set of valid wire codes: a byte decodes to a
// state iff it has an entry here.
var stateNames = map[OperatingState]string{
	SysStartup:   "SysStartup",
	SysIdle:      "SysIdle",
	SysStandby:   "SysStandby",
	SysLog:       "SysLog",
	SysReadout:   "SysReadout",
	SysTx:        "SysTx",
	SysError:     "SysError",
	BootStartup:  "BootStartup",
	BootIdle:     "BootIdle",
	BootDownload: "BootDownload",
}

func (s OperatingState) String() string {
	if s == StateNone {
		return "None"
	}
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OperatingState(0x%02X)", byte(s))
}

// StateFrameSize is the minimum GetState response length; the operating
// state byte sits at StateByteOffset.
const (
	StateFrameSize  = 5
	StateByteOffset = 4
)

// ErrShortFrame indicates a GetState response shorter than StateFrameSize.
var ErrShortFrame = errors.New("state response frame too short")

// UnknownStateError indicates a state byte outside the defined code table.
type UnknownStateError struct {
	Byte byte
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown operating state code 0x%02X", e.Byte)
}

// Is allows errors.Is comparisons against an UnknownStateError regardless
// of the offending byte.
func (e *UnknownStateError) Is(target error) bool {
	_, ok := target.(*UnknownStateError)
	return ok
}

// DecodeState maps a GetState response frame to the reported operating
// state. Only the byte at StateByteOffset is interpreted; every other byte
// of the response is opaque.
func DecodeState(frame []byte) (OperatingState, error) {
	if len(frame) < StateFrameSize {
		return StateNone, fmt.Errorf("%w: got %d bytes, want at least %d", ErrShortFrame, len(frame), StateFrameSize)
	}

	b := frame[StateByteOffset]
	state := OperatingState(b)
	if _, ok := stateNames[state]; !ok {
		return StateNone, &UnknownStateError{Byte: b}
	}
	return state, nil
}
