package rconclient

import (
	"encoding/binary"
	"hash/crc32"
)

// FrameKind is the third wire byte, classifying a frame's body grammar
//.
type FrameKind byte

const (
	KindLogin         FrameKind = 0x00
	KindCommand       FrameKind = 0x01
	KindServerMessage FrameKind = 0x02
)

const (
	framePrefix0  = 'B'
	framePrefix1  = 'E'
	frameSep      = 0xFF
	minFrameLen   = 8 // "BE" + 4-byte crc + 0xFF + kind
	partSubheader = 0x00
)

// LoginStatus is the decoded body of an inbound Login frame: a single
// status byte, 0x01 for accepted, 0x00 for rejected.
type LoginStatus struct {
	Success bool
}

// CommandWhole is a Command reply that arrived in a single frame, or the
// final reassembled payload of a multi-part one.
type CommandWhole struct {
	Seq  byte
	Data []byte
}

// CommandPart is one fragment of a multi-part Command reply, distinguished
// by the {0x00, total, index} subheader.
type CommandPart struct {
	Seq   byte
	Total byte
	Index byte
	Data  []byte
}

// ServerMessageFrame is an asynchronous, sequence-numbered notification from
// the server that must be acknowledged.
type ServerMessageFrame struct {
	Seq  byte
	Data []byte
}

// Decode parses one inbound datagram into a tagged frame variant, or
// returns a *DecodeError describing why it was rejected. The
// datagram is never partially trusted: any failure returns a nil frame.
func Decode(b []byte) (any, error) {
	if len(b) < minFrameLen {
		return nil, &DecodeError{Kind: TooShort}
	}
	if b[0] != framePrefix0 || b[1] != framePrefix1 {
		return nil, &DecodeError{Kind: BadPrefix}
	}

	stored := binary.LittleEndian.Uint32(b[2:6])
	computed := crc32.ChecksumIEEE(b[6:])
	if stored != computed {
		return nil, &DecodeError{Kind: BadChecksum}
	}

	// b[6] is the 0xFF separator; it is part of the CRC-protected range
	// (computed == crc32.ChecksumIEEE(b[6:])) so a corrupted separator on
	// otherwise-genuine traffic is already caught above as BadChecksum.
	kind := FrameKind(b[7])
	body := b[8:]

	switch kind {
	case KindLogin:
		if len(body) < 1 {
			return nil, &DecodeError{Kind: UnknownKind}
		}
		return LoginStatus{Success: body[0] == 0x01}, nil

	case KindCommand:
		if len(body) < 1 {
			return nil, &DecodeError{Kind: UnknownKind}
		}
		seq := body[0]
		rest := body[1:]
		if len(rest) >= 3 && rest[0] == partSubheader {
			total := rest[1]
			index := rest[2]
			return CommandPart{Seq: seq, Total: total, Index: index, Data: append([]byte(nil), rest[3:]...)}, nil
		}
		return CommandWhole{Seq: seq, Data: append([]byte(nil), rest...)}, nil

	case KindServerMessage:
		if len(body) < 1 {
			return nil, &DecodeError{Kind: UnknownKind}
		}
		seq := body[0]
		return ServerMessageFrame{Seq: seq, Data: append([]byte(nil), body[1:]...)}, nil

	default:
		return nil, &DecodeError{Kind: UnknownKind}
	}
}

// encodeFrame assembles the common "BE|crc|0xFF|kind|body" envelope and
// computes the CRC over the separator-through-end range.
func encodeFrame(kind FrameKind, body []byte) []byte {
	tail := make([]byte, 2+len(body))
	tail[0] = frameSep
	tail[1] = byte(kind)
	copy(tail[2:], body)

	crc := crc32.ChecksumIEEE(tail)

	out := make([]byte, 6+len(tail))
	out[0] = framePrefix0
	out[1] = framePrefix1
	binary.LittleEndian.PutUint32(out[2:6], crc)
	copy(out[6:], tail)
	return out
}

// EncodeLogin builds the outbound login frame carrying the plaintext
// password. BattlEye RCON has no transport encryption; the CRC
// guards against corruption, not eavesdropping.
func EncodeLogin(password string) []byte {
	return encodeFrame(KindLogin, []byte(password))
}

// EncodeCommand builds an outbound Command frame. Outbound commands are
// never fragmented — only replies are — so the body is always
// seq + payload with no subheader.
func EncodeCommand(seq byte, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = seq
	copy(body[1:], payload)
	return encodeFrame(KindCommand, body)
}

// EncodeAck builds the Ack frame the client sends back for an accepted
// ServerMessage, carrying only the matching sequence.
func EncodeAck(seq byte) []byte {
	return encodeFrame(KindServerMessage, []byte{seq})
}
