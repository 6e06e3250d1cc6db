// Package protocol defines the streaming frame format shared by the
// dispatcher, the workers and the client. Frames are JSON objects tagged
// by message_type; a generation is exactly one START, any number of
// CHUNK/CONTEXT/MONITOR in emission order, and exactly one terminal
// END or ERROR.
package protocol

import "github.com/seanhagen/chatwire/internal/domain"

// FrameType tags a frame on the wire.
type FrameType string

const (
	FrameStart   FrameType = "START"
	FrameChunk   FrameType = "CHUNK"
	FrameContext FrameType = "CONTEXT"
	FrameMonitor FrameType = "MONITOR"
	FrameEnd     FrameType = "END"
	FrameError   FrameType = "ERROR"
)

// Frame is the decoded form of one streaming protocol frame. Only the
// fields relevant to the frame's type are populated.
type Frame struct {
	MessageType FrameType
	// Content carries answer text for CHUNK and the coarse failure
	// reason for ERROR.
	Content string
	// Figures carries attachment references for CONTEXT.
	Figures []domain.Figure
	// Trace carries out-of-band diagnostic text for MONITOR.
	Trace string
	// SessionID and MessageID correlate a frame with the request that
	// produced it, so a reconnected client can resynchronize.
	SessionID string
	MessageID string
}

// Terminal reports whether the frame ends a generation.
func (f Frame) Terminal() bool {
	return f.MessageType == FrameEnd || f.MessageType == FrameError
}

// Start builds the frame that opens a generation.
func Start(sessionID, messageID string) Frame {
	return Frame{MessageType: FrameStart, SessionID: sessionID, MessageID: messageID}
}

// Chunk builds an incremental answer-text frame.
func Chunk(sessionID, messageID, content string) Frame {
	return Frame{MessageType: FrameChunk, SessionID: sessionID, MessageID: messageID, Content: content}
}

// Context builds an attachment frame.
func Context(sessionID, messageID string, figures []domain.Figure) Frame {
	return Frame{MessageType: FrameContext, SessionID: sessionID, MessageID: messageID, Figures: figures}
}

// Monitor builds a diagnostic trace frame.
func Monitor(sessionID, messageID, trace string) Frame {
	return Frame{MessageType: FrameMonitor, SessionID: sessionID, MessageID: messageID, Trace: trace}
}

// End builds the frame that closes a successful generation.
func End(sessionID, messageID string) Frame {
	return Frame{MessageType: FrameEnd, SessionID: sessionID, MessageID: messageID}
}

// Error builds the terminal frame for a failed generation.
func Error(sessionID, messageID, reason string) Frame {
	return Frame{MessageType: FrameError, SessionID: sessionID, MessageID: messageID, Content: reason}
}
