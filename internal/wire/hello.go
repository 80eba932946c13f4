package wire

import (
	"encoding/binary"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// HelloSkillID is the reserved skill_id used for the handshake envelope
// exchanged at session startup (§4.5: "send a hello frame (skill_id=0, ...)").
const HelloSkillID types.SkillID = 0

// ProtocolVersion is the version this codec implementation speaks. A peer
// advertising a different version causes a VersionMismatch close per §6.1.
const ProtocolVersion uint32 = 1

// Hello is the decoded payload of a hello envelope: {u32 protocol_version,
// u32 max_in_flight}.
type Hello struct {
	ProtocolVersion uint32
	MaxInFlight     uint32
}

// EncodeHello serializes h into an envelope payload.
func EncodeHello(h Hello) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], h.MaxInFlight)
	return buf
}

// DecodeHello parses a hello envelope payload.
func DecodeHello(payload []byte) (Hello, error) {
	if len(payload) < 8 {
		return Hello{}, types.ProtocolError("hello payload too short", types.ErrMalformedFrame)
	}
	return Hello{
		ProtocolVersion: binary.LittleEndian.Uint32(payload[0:4]),
		MaxInFlight:     binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// HelloRequestEnvelope builds the client->server hello envelope.
func HelloRequestEnvelope(h Hello) Envelope {
	return Envelope{SkillID: HelloSkillID, Flags: 0, Payload: EncodeHello(h)}
}

// HelloReplyEnvelope builds the server->client hello reply envelope. ok=false
// sets status=1 per §6.1's version-mismatch handling.
func HelloReplyEnvelope(h Hello, ok bool) Envelope {
	env := Envelope{SkillID: HelloSkillID, Flags: FlagIsResponse, Payload: EncodeHello(h)}
	if !ok {
		env.Status = 1
		env.Flags |= FlagHasError
	}
	return env
}
