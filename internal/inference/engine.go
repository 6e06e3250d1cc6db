// Package inference treats the model as an opaque producer of a lazy,
// finite sequence of text tokens plus optional structured context. The
// worker consumes the sequence and maps it onto protocol frames; prompt
// construction and tool use live behind the Engine boundary.
package inference

import (
	"context"

	"github.com/seanhagen/chatwire/internal/domain"
)

// Event is one element of a generation stream. At most one of the
// payload fields is set per event; Err terminates the stream.
type Event struct {
	// ContentDelta is an incremental fragment of the answer text.
	ContentDelta string
	// Figures are attachment references that became available at this
	// point of the generation.
	Figures []domain.Figure
	// Trace is out-of-band diagnostic text, emitted only when the
	// request asked for it.
	Trace string
	// Err reports an in-stream failure. The channel closes after it.
	Err error
}

// Request carries everything an engine needs for one generation.
type Request struct {
	Query       string
	History     []*domain.Message
	BotID       string
	UserProfile string
}

// Engine produces a token stream for a request. The returned channel is
// closed when the generation completes or fails; cancelling ctx aborts
// an in-flight call.
type Engine interface {
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}
