package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

type Kind string

const (
	KindUpdate    Kind = "update"
	KindAwareness Kind = "awareness"
)

const (
	compressThreshold = 4 << 10
	maxFrameBytes     = 64 << 20
	encodingBrotli    = "br"
)

// Message is what the engine exchanges with a peer.
type Message struct {
	Kind    Kind
	Payload []byte
}

type frame struct {
	Kind    Kind   `json:"kind"`
	Enc     string `json:"enc,omitempty"`
	Payload []byte `json:"payload"`
}

func EncodeMessage(msg Message) ([]byte, error) {
	f := frame{Kind: msg.Kind, Payload: msg.Payload}
	if len(msg.Payload) > compressThreshold {
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := w.Write(msg.Payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(msg.Payload) {
			f.Enc = encodingBrotli
			f.Payload = buf.Bytes()
		}
	}
	return json.Marshal(f)
}

func DecodeMessage(data []byte) (Message, error) {
	if len(data) > maxFrameBytes {
		return Message{}, ErrFrameTooBig
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case KindUpdate, KindAwareness:
	default:
		return Message{}, fmt.Errorf("decode frame: unknown kind %q", f.Kind)
	}
	switch f.Enc {
	case "":
	case encodingBrotli:
		payload, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(f.Payload)), maxFrameBytes+1))
		if err != nil {
			return Message{}, fmt.Errorf("decode frame: %w", err)
		}
		if len(payload) > maxFrameBytes {
			return Message{}, ErrFrameTooBig
		}
		f.Payload = payload
	default:
		return Message{}, fmt.Errorf("decode frame: unknown encoding %q", f.Enc)
	}
	return Message{Kind: f.Kind, Payload: f.Payload}, nil
}
