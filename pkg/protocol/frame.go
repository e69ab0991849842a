// Package protocol implements the framed wire protocol spoken by the
// Rosmaster serial expansion board.
//
// Frame layout:
//
//	[Header(1)][DeviceID(1)][Length(1)][Function(1)][Payload(N)][Checksum(1)]
//
// Length counts the function code plus the payload (N+1). The checksum is
// the byte sum of everything from the length field through the payload,
// masked to 8 bits.
package protocol

import (
	"errors"
	"fmt"
)

// Header is the start-of-frame marker.
const Header = 0xFF

// DeviceID addresses the arm expansion board.
const DeviceID = 0xFC

// Function codes understood by the board.
const (
	FuncBeep        = 0x02 // buzzer, payload: duration ms (2 bytes LE)
	FuncServoWrite  = 0x20 // single joint: id, pulse (2), move time ms (2)
	FuncServoTorque = 0x22 // all joints: 1 = hold, 0 = yield
	FuncArmWrite    = 0x23 // all 6 joints: 6 x pulse (2), move time ms (2)
	FuncArmRead     = 0x31 // request: 0x01; response: 6 x pulse (2)
	FuncVersion     = 0x51 // request: 0x00; response: major, minor
)

// Decode failure modes. Callers should discard the bad bytes and
// resynchronize on the next header byte.
var (
	ErrMalformedHeader  = errors.New("protocol: malformed frame header")
	ErrLengthMismatch   = errors.New("protocol: frame length mismatch")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrShortFrame       = errors.New("protocol: incomplete frame")
)

// overhead is the number of non-payload bytes in a frame.
const overhead = 5

// MaxPayload is the largest payload the board ever sends or accepts. Scan
// uses it to reject stray header bytes whose length field would otherwise
// stall resynchronization waiting for bytes that never arrive.
const MaxPayload = 32

// Encode builds a wire frame for the given device, function code and payload.
func Encode(deviceID, function byte, payload []byte) []byte {
	length := byte(len(payload) + 1)

	buf := make([]byte, 0, overhead+len(payload))
	buf = append(buf, Header, deviceID, length, function)
	buf = append(buf, payload...)
	buf = append(buf, checksum(length, function, payload))
	return buf
}

// Decode parses exactly one frame from buf. The returned payload aliases buf.
func Decode(buf []byte) (function byte, payload []byte, err error) {
	if len(buf) < overhead {
		return 0, nil, ErrShortFrame
	}
	if buf[0] != Header {
		return 0, nil, fmt.Errorf("%w: got 0x%02X", ErrMalformedHeader, buf[0])
	}
	if buf[1] != DeviceID {
		return 0, nil, fmt.Errorf("%w: device id 0x%02X", ErrMalformedHeader, buf[1])
	}

	length := buf[2]
	if int(length) != len(buf)-4 {
		return 0, nil, fmt.Errorf("%w: declared %d, have %d payload+func bytes",
			ErrLengthMismatch, length, len(buf)-4)
	}

	function = buf[3]
	payload = buf[4 : len(buf)-1]

	want := checksum(length, function, payload)
	if got := buf[len(buf)-1]; got != want {
		return 0, nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrChecksumMismatch, got, want)
	}
	return function, payload, nil
}

// Scan searches buf for the next valid frame, skipping garbage before the
// header. It returns the decoded frame and the number of bytes consumed
// including any skipped prefix, so a caller stream-parsing a read buffer can
// advance past corrupt data. ErrShortFrame means more bytes are needed;
// nothing has been consumed in that case.
func Scan(buf []byte) (function byte, payload []byte, consumed int, err error) {
	for start := 0; start < len(buf); start++ {
		if buf[start] != Header {
			continue
		}
		rest := buf[start:]
		if len(rest) < overhead {
			return 0, nil, 0, ErrShortFrame
		}
		total := int(rest[2]) + 4
		if total < overhead || total > overhead+MaxPayload {
			// Length byte not plausible for a frame, keep scanning.
			continue
		}
		if len(rest) < total {
			return 0, nil, 0, ErrShortFrame
		}
		function, payload, err = Decode(rest[:total])
		if err != nil {
			// Corrupt frame: skip this header byte and resync.
			continue
		}
		return function, payload, start + total, nil
	}
	return 0, nil, 0, ErrShortFrame
}

// PutUint16 appends v to buf in the board's little-endian byte order.
func PutUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v&0xFF), byte(v>>8))
}

// Uint16 reads a little-endian 16-bit value.
func Uint16(lo, hi byte) uint16 {
	return uint16(lo) | uint16(hi)<<8
}

func checksum(length, function byte, payload []byte) byte {
	sum := int(length) + int(function)
	for _, b := range payload {
		sum += int(b)
	}
	return byte(sum & 0xFF)
}
