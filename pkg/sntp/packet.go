// Package sntp implements the client side of a single SNTP (RFC 2030)
// request/response exchange and the decoding of the server's transmit
// timestamp.
package sntp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// PacketSize is the length of an SNTP message without extension fields
	PacketSize = 48

	// Port is the standard NTP port
	Port = 123

	// NTPEpochOffset is the number of seconds between the NTP epoch
	// (1900-01-01T00:00:00Z) and the Unix epoch (1970-01-01T00:00:00Z).
	NTPEpochOffset int64 = 2_208_988_800

	// requestHeader is LI=0, VN=3, Mode=3 (client)
	requestHeader byte = 0x1B

	transmitSecondsOffset  = 40
	transmitFractionOffset = 44
)

// Mode is the association mode carried in the low three bits of byte 0
type Mode byte

const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

// ErrMalformedReply is returned when a reply is too short to hold a
// transmit timestamp.
var ErrMalformedReply = errors.New("malformed SNTP reply")

// Request returns a fresh client request. Callers may not share the slice
// with code that mutates it, so a new one is built every time.
func Request() []byte {
	b := make([]byte, PacketSize)
	b[0] = requestHeader
	return b
}

// Header holds the first-byte subfields and stratum of a message
type Header struct {
	Leap    uint8
	Version uint8
	Mode    Mode
	Stratum uint8
}

// ParseHeader extracts the header fields from b. Nothing is validated; an
// empty buffer yields the zero Header.
func ParseHeader(b []byte) Header {
	var h Header
	if len(b) > 0 {
		h.Leap = b[0] >> 6
		h.Version = (b[0] >> 3) & 0b111
		h.Mode = Mode(b[0] & 0b111)
	}
	if len(b) > 1 {
		h.Stratum = b[1]
	}
	return h
}

// TransmitTimestamp returns the raw seconds and fraction of the transmit
// timestamp field.
func TransmitTimestamp(reply []byte) (seconds, fraction uint32, err error) {
	if len(reply) < PacketSize {
		return 0, 0, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedReply, len(reply), PacketSize)
	}
	seconds = binary.BigEndian.Uint32(reply[transmitSecondsOffset:])
	fraction = binary.BigEndian.Uint32(reply[transmitFractionOffset:])
	return seconds, fraction, nil
}

// Milliseconds converts an NTP timestamp to milliseconds since the NTP
// epoch, rounding half up: round(seconds*1000 + fraction*1000/2^32).
func Milliseconds(seconds, fraction uint32) uint64 {
	frac := (uint64(fraction)*1000 + 1<<31) >> 32
	return uint64(seconds)*1000 + frac
}

// Decode converts the transmit timestamp of reply into a UTC time with
// millisecond resolution.
func Decode(reply []byte) (time.Time, error) {
	seconds, fraction, err := TransmitTimestamp(reply)
	if err != nil {
		return time.Time{}, err
	}
	ms := int64(Milliseconds(seconds, fraction))
	return time.UnixMilli(ms - NTPEpochOffset*1000).UTC(), nil
}
