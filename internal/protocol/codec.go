package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/seanhagen/chatwire/internal/domain"
)

// wireFrame is the JSON envelope for a frame. The message field is
// polymorphic: CHUNK and ERROR carry {"content": ...}, MONITOR carries a
// bare string. Fields are omitted when empty so the encoding stays
// stable across versions, and decoding ignores anything it does not
// recognize.
type wireFrame struct {
	MessageType FrameType        `json:"message_type"`
	Message     json.RawMessage  `json:"message,omitempty"`
	Kwargs      *wireKwargs      `json:"ddb_additional_kwargs,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	MessageID   string           `json:"custom_message_id,omitempty"`
}

type wireKwargs struct {
	Figure []domain.Figure `json:"figure"`
}

type wireContent struct {
	Content string `json:"content"`
}

// Encode serializes a frame to its wire form.
func Encode(f Frame) ([]byte, error) {
	if f.MessageType == "" {
		return nil, fmt.Errorf("encode frame: missing message_type")
	}

	w := wireFrame{
		MessageType: f.MessageType,
		SessionID:   f.SessionID,
		MessageID:   f.MessageID,
	}

	switch f.MessageType {
	case FrameChunk, FrameError:
		body, err := json.Marshal(wireContent{Content: f.Content})
		if err != nil {
			return nil, fmt.Errorf("encode frame body: %w", err)
		}
		w.Message = body
	case FrameMonitor:
		body, err := json.Marshal(f.Trace)
		if err != nil {
			return nil, fmt.Errorf("encode frame body: %w", err)
		}
		w.Message = body
	case FrameContext:
		if f.Figures != nil {
			w.Kwargs = &wireKwargs{Figure: f.Figures}
		}
	case FrameStart, FrameEnd:
		// No payload.
	default:
		return nil, fmt.Errorf("encode frame: unknown message_type %q", f.MessageType)
	}

	return json.Marshal(w)
}

// Decode parses a wire frame. Unknown fields are ignored so the client
// and worker can evolve independently; an unknown or missing
// message_type is an error.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	f := Frame{
		MessageType: w.MessageType,
		SessionID:   w.SessionID,
		MessageID:   w.MessageID,
	}

	switch w.MessageType {
	case FrameChunk, FrameError:
		if len(w.Message) > 0 {
			var body wireContent
			if err := json.Unmarshal(w.Message, &body); err != nil {
				return Frame{}, fmt.Errorf("decode %s body: %w", w.MessageType, err)
			}
			f.Content = body.Content
		}
	case FrameMonitor:
		if len(w.Message) > 0 {
			if err := json.Unmarshal(w.Message, &f.Trace); err != nil {
				return Frame{}, fmt.Errorf("decode MONITOR body: %w", err)
			}
		}
	case FrameContext:
		// An empty figure array and an absent one stay distinct so
		// Decode(Encode(f)) reproduces f exactly.
		if w.Kwargs != nil {
			f.Figures = w.Kwargs.Figure
		}
	case FrameStart, FrameEnd:
		// No payload.
	case "":
		return Frame{}, fmt.Errorf("decode frame: missing message_type")
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown message_type %q", w.MessageType)
	}

	return f, nil
}
