// Package wire implements the task-messenger frame codec: a length-prefixed
// binary envelope shared by the manager and worker runtimes.
//
// Frame layout (all integers little-endian):
//
//	u32 frame_length
//	u64 task_id
//	u16 skill_id
//	u16 flags            bit0 = is_response, bit1 = has_error
//	u8  status           0 = ok, 1 = error (is_response only)
//	u8  reserved = 0
//	u16 payload_len_high upper 16 bits of a 48-bit payload length
//	u32 payload_len_low  lower 32 bits
//	bytes[payload_len] payload
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

const (
	// headerSize is the fixed portion of a frame body, after frame_length:
	// task_id(8) + skill_id(2) + flags(2) + status(1) + reserved(1) +
	// payload_len_high(2) + payload_len_low(4) = 20 bytes. Payload starts
	// immediately at this offset on the wire; there is no padding between
	// header and payload, so a non-Go peer can decode the same bytes.
	headerSize = 20

	lengthPrefixSize = 4

	// FlagIsResponse and FlagHasError are the only two defined bits; the
	// remainder of the flags field must be zero per the wire spec.
	FlagIsResponse uint16 = 1 << 0
	FlagHasError   uint16 = 1 << 1

	// DefaultMaxFrameSize matches spec's 16 MiB default codec limit.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	maxPayloadLen48 = (1 << 48) - 1
)

// Envelope is the decoded form of a frame body.
type Envelope struct {
	TaskID     types.TaskID
	SkillID    types.SkillID
	Flags      uint16
	Status     uint8
	Payload    []byte
}

func (e Envelope) IsResponse() bool { return e.Flags&FlagIsResponse != 0 }
func (e Envelope) HasError() bool   { return e.Flags&FlagHasError != 0 }

// Codec encodes and decodes frames over a stream, enforcing maxFrameSize and
// reusing a scratch buffer across calls to avoid per-frame allocation.
type Codec struct {
	maxFrameSize uint32
	scratch      []byte
}

// NewCodec builds a Codec. maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// Encode writes env to w as a complete length-prefixed frame.
func (c *Codec) Encode(w io.Writer, env Envelope) error {
	payloadLen := uint64(len(env.Payload))
	if payloadLen > maxPayloadLen48 {
		return types.ProtocolError("payload exceeds 48-bit length field", types.ErrFrameTooLarge)
	}
	frameLen := uint64(headerSize) + payloadLen
	if frameLen > uint64(c.maxFrameSize) {
		return types.ProtocolError(
			fmt.Sprintf("frame length %d exceeds max_frame_size %d", frameLen, c.maxFrameSize),
			types.ErrFrameTooLarge,
		)
	}

	buf := c.bufferOfSize(int(lengthPrefixSize + frameLen))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameLen))

	body := buf[4:]
	binary.LittleEndian.PutUint64(body[0:8], uint64(env.TaskID))
	binary.LittleEndian.PutUint16(body[8:10], uint16(env.SkillID))
	binary.LittleEndian.PutUint16(body[10:12], env.Flags)
	body[12] = env.Status
	body[13] = 0 // reserved
	binary.LittleEndian.PutUint16(body[14:16], uint16(payloadLen>>32))
	binary.LittleEndian.PutUint32(body[16:20], uint32(payloadLen))
	copy(body[headerSize:], env.Payload)

	_, err := w.Write(buf)
	if err != nil {
		return types.TransportError("frame write failed", err)
	}
	return nil
}

// Decode reads one complete frame from r and returns its parsed envelope.
// The returned Payload slice aliases the codec's internal scratch buffer and
// is only valid until the next call to Decode; it is nil for an empty payload.
func (c *Codec) Decode(r io.Reader) (Envelope, error) {
	var lenPrefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Envelope{}, mapReadErr(err)
	}
	frameLen := binary.LittleEndian.Uint32(lenPrefix[:])
	if frameLen > c.maxFrameSize {
		return Envelope{}, types.ProtocolError(
			fmt.Sprintf("frame length %d exceeds max_frame_size %d", frameLen, c.maxFrameSize),
			types.ErrFrameTooLarge,
		)
	}
	if frameLen < headerSize {
		return Envelope{}, types.ProtocolError("frame shorter than header", types.ErrMalformedFrame)
	}

	buf := c.bufferOfSize(int(frameLen))
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, mapReadErr(err)
	}

	taskID := types.TaskID(binary.LittleEndian.Uint64(buf[0:8]))
	skillID := types.SkillID(binary.LittleEndian.Uint16(buf[8:10]))
	flags := binary.LittleEndian.Uint16(buf[10:12])
	status := buf[12]
	payloadLenHigh := binary.LittleEndian.Uint16(buf[14:16])
	payloadLenLow := binary.LittleEndian.Uint32(buf[16:20])
	if payloadLenHigh != 0 {
		return Envelope{}, types.ProtocolError("payload length exceeds max_frame_size", types.ErrFrameTooLarge)
	}
	payloadLen := uint64(payloadLenHigh)<<32 | uint64(payloadLenLow)

	want := uint64(headerSize) + payloadLen
	if want != uint64(frameLen) {
		return Envelope{}, types.ProtocolError("payload length does not match frame length", types.ErrMalformedFrame)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = buf[headerSize:]
	}
	return Envelope{
		TaskID:  taskID,
		SkillID: skillID,
		Flags:   flags,
		Status:  status,
		Payload: payload,
	}, nil
}

// bufferOfSize returns the codec's scratch buffer grown (never shrunk) to at
// least n bytes, mirroring the teacher's pooled-buffer reuse discipline.
func (c *Codec) bufferOfSize(n int) []byte {
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n, n*2)
	}
	return c.scratch[:n]
}

func mapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return types.TransportError("peer closed during frame read", types.ErrPeerClosed)
	}
	return types.TransportError("frame read failed", err)
}
