// Package datachannel moves FlowQueue items between nodes over websocket.
//
// Each websocket binary message carries one frame. The first byte is the
// continuation flag: 0 ends the stream and nothing follows, 1 is followed by
// exactly one encoded payload. A Writer drains a local queue into one
// connection; a Reader on the peer's Server feeds the frames into a queue
// and marks it done at the end of the stream or on any receive failure.
package datachannel

import (
	"encoding/json"
	"fmt"
)

// Continuation flags
const (
	flagEnd  byte = 0
	flagMore byte = 1
)

// Codec encodes payloads carried after a continuation flag.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes payloads as JSON.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Path returns the server path of the inbound endpoint that receives queue
// items from the producer with the given index.
func Path(queue string, producer int) string {
	return fmt.Sprintf("/data/%s/%d", queue, producer)
}

func encodeFrame[T any](codec Codec[T], v T) ([]byte, error) {
	payload, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, flagMore)
	return append(frame, payload...), nil
}

// decodeFrame returns more=false for an end-of-stream frame.
func decodeFrame[T any](codec Codec[T], frame []byte) (v T, more bool, err error) {
	if len(frame) == 0 {
		return v, false, fmt.Errorf("empty data frame")
	}
	switch frame[0] {
	case flagEnd:
		return v, false, nil
	case flagMore:
		v, err = codec.Decode(frame[1:])
		if err != nil {
			return v, false, fmt.Errorf("decode payload: %w", err)
		}
		return v, true, nil
	default:
		return v, false, fmt.Errorf("unknown continuation flag %d", frame[0])
	}
}
