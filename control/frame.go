package control

import (
	"encoding/json"
	"fmt"

	"github.com/c360/stagegrid/descriptor"
)

// Opcode is the leading byte of every control frame.
type Opcode byte

// Wire opcodes
const (
	OpRegister   Opcode = 1
	OpRegistered Opcode = 2
	OpMessage    Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpRegister:
		return "register"
	case OpRegistered:
		return "registered"
	case OpMessage:
		return "message"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

// envelope is the single JSON object following the opcode byte.
type envelope struct {
	From    descriptor.NodeID `json:"from"`
	Address string            `json:"address,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

func encodeFrame(op Opcode, from descriptor.NodeID, address string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	body, err := json.Marshal(envelope{From: from, Address: address, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", op, err)
	}
	return append([]byte{byte(op)}, body...), nil
}

func decodeFrame(data []byte) (Opcode, envelope, error) {
	var env envelope
	if len(data) < 2 {
		return 0, env, fmt.Errorf("short control frame (%d bytes)", len(data))
	}
	op := Opcode(data[0])
	if op < OpRegister || op > OpMessage {
		return op, env, fmt.Errorf("unknown opcode %d", data[0])
	}
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return op, env, fmt.Errorf("decode %s envelope: %w", op, err)
	}
	return op, env, nil
}
