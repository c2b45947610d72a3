package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage marks payloads that fail envelope validation: malformed
// JSON, a group other than "oms", or an unrecognised msg_type.
var ErrInvalidMessage = errors.New("invalid oms message")

type envelope struct {
	Group   string  `json:"group"`
	MsgType MsgType `json:"msg_type"`
}

// Decode parses a wire payload into its tagged variant.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Group != Group {
		return nil, fmt.Errorf("%w: expect message group %q, get %q", ErrInvalidMessage, Group, env.Group)
	}

	var msg Message
	switch env.MsgType {
	case MsgInit:
		msg = &Init{}
	case MsgNextRequestID:
		msg = &NextRequestID{}
	case MsgHeartbeat:
		msg = &Heartbeat{}
	case MsgNewOrder:
		msg = &NewOrder{}
	case MsgPosition:
		msg = &Position{}
	case MsgExecution:
		msg = &Execution{}
	case MsgError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrInvalidMessage, env.MsgType)
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidMessage, env.MsgType, err)
	}
	return msg, nil
}

// Encode renders a message with its envelope tag.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	head, err := json.Marshal(envelope{Group: Group, MsgType: m.Type()})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) == 2 { // "{}"
		return head, nil
	}
	// splice: {"group":...,"msg_type":...} + {body...}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// MustEncode is Encode for messages built from in-memory state, where a
// marshal failure is a programming error.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Frame is one routed unit between the proxy and the worker: the transport
// identity of the client connection plus its raw payload.
type Frame struct {
	Identity string          `json:"identity"`
	Payload  json.RawMessage `json:"payload"`
}

// EncodeFrame renders a frame for the proxy↔worker link.
func EncodeFrame(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// DecodeFrame parses a proxy↔worker frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Identity == "" {
		return Frame{}, errors.New("decode frame: empty identity")
	}
	return f, nil
}
