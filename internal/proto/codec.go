// Package proto implements the BambuLab chamber-image wire protocol: the
// fixed 80-byte authentication frame and the length-prefixed JPEG frame
// stream. All encode/parse functions are pure byte transformations; the
// Read/Write helpers are thin I/O wrappers around them.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultChamberPort is the printer's chamber-image camera port (A1/P1 series).
	DefaultChamberPort = 6000
	// DefaultRTSPPort is the printer's RTSP camera port (X1/H2/P2 series).
	DefaultRTSPPort = 322

	// Username is the fixed service account every BambuLab printer expects.
	Username = "bblp"

	// AuthFrameSize is the total size of the authentication frame.
	AuthFrameSize = 80
	// FrameHeaderSize is the size of the header preceding each image payload.
	FrameHeaderSize = 16

	// MaxFramePayload caps a single frame. Chamber images are JPEGs of a few
	// hundred KB; anything beyond this means the stream is corrupted and must
	// not be treated as an allocation request.
	MaxFramePayload = 4 << 20

	fieldSize = 32 // username and access code fields, zero padded

	// Auth frame prelude, captured from a reference client exchange:
	// u32 total length, u32 message type, two reserved u32 zeros.
	authMagicLen  = 0x40
	authMagicType = 0x3000
)

var (
	// ErrFraming indicates a malformed or implausible frame header. The
	// stream cannot be resynchronized past it.
	ErrFraming = errors.New("proto: framing error")
	// ErrBadAuthFrame indicates an auth frame that does not match the fixed layout.
	ErrBadAuthFrame = errors.New("proto: malformed auth frame")
)

// Credential is the printer identity plus shared access code. Configured once
// per process and immutable afterwards.
type Credential struct {
	Username   string
	AccessCode string
}

// Frame is one decoded chamber image. Aux carries the 12 header bytes after
// the length field verbatim, so relayed frames are bit-identical to what the
// printer sent. Payload is shared read-only once published and must not be
// mutated.
type Frame struct {
	Aux     [FrameHeaderSize - 4]byte
	Payload []byte
}

// EncodeAuth produces the fixed 80-byte authentication frame for cred.
func EncodeAuth(cred Credential) ([]byte, error) {
	if len(cred.Username) > fieldSize {
		return nil, fmt.Errorf("%w: username exceeds %d bytes", ErrBadAuthFrame, fieldSize)
	}
	if len(cred.AccessCode) > fieldSize {
		return nil, fmt.Errorf("%w: access code exceeds %d bytes", ErrBadAuthFrame, fieldSize)
	}
	buf := make([]byte, AuthFrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], authMagicLen)
	binary.LittleEndian.PutUint32(buf[4:8], authMagicType)
	// buf[8:16] reserved, zero
	copy(buf[16:16+fieldSize], cred.Username)
	copy(buf[48:48+fieldSize], cred.AccessCode)
	return buf, nil
}

// DecodeAuth parses an 80-byte authentication frame back into a credential.
// Zero padding is stripped from both fields.
func DecodeAuth(buf []byte) (Credential, error) {
	if len(buf) != AuthFrameSize {
		return Credential{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadAuthFrame, len(buf), AuthFrameSize)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != authMagicLen ||
		binary.LittleEndian.Uint32(buf[4:8]) != authMagicType {
		return Credential{}, fmt.Errorf("%w: bad prelude", ErrBadAuthFrame)
	}
	return Credential{
		Username:   trimField(buf[16 : 16+fieldSize]),
		AccessCode: trimField(buf[48 : 48+fieldSize]),
	}, nil
}

func trimField(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ParseFrameHeader validates a 16-byte frame header and returns the declared
// payload length plus the remaining opaque header bytes. A zero or oversized
// length is a FramingError: it means the byte stream lost its frame boundary.
func ParseFrameHeader(hdr []byte) (int, [FrameHeaderSize - 4]byte, error) {
	var aux [FrameHeaderSize - 4]byte
	if len(hdr) != FrameHeaderSize {
		return 0, aux, fmt.Errorf("%w: header is %d bytes, want %d", ErrFraming, len(hdr), FrameHeaderSize)
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n == 0 || n > MaxFramePayload {
		return 0, aux, fmt.Errorf("%w: implausible payload length %d", ErrFraming, n)
	}
	copy(aux[:], hdr[4:])
	return int(n), aux, nil
}

// AppendFrameHeader appends the 16-byte wire header for f to dst.
func AppendFrameHeader(dst []byte, f *Frame) []byte {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(f.Payload)))
	copy(hdr[4:], f.Aux[:])
	return append(dst, hdr[:]...)
}

// ReadFrame reads exactly one frame from r. It returns ErrFraming (wrapped)
// when the header is implausible and the underlying read error otherwise,
// including io.ErrUnexpectedEOF for a truncated payload; a truncated frame is
// never returned as valid.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n, aux, err := ParseFrameHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Aux: aux, Payload: payload}, nil
}

// WriteFrame writes f to w in wire framing: header then payload, one Write
// call so short writes cannot interleave under concurrent use of distinct
// writers.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := make([]byte, 0, FrameHeaderSize+len(f.Payload))
	buf = AppendFrameHeader(buf, f)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}
