package inference

import (
	"context"
	"time"

	"github.com/seanhagen/chatwire/internal/domain"
)

// ScriptEngine replays a fixed token sequence. It backs local runs
// without model credentials and deterministic pipeline tests.
type ScriptEngine struct {
	// Tokens are emitted one per event, in order.
	Tokens []string
	// Figures, when set, are emitted after the last token.
	Figures []domain.Figure
	// Trace, when set, is emitted as a trace event before the tokens.
	Trace string
	// Delay is an optional pause before each token.
	Delay time.Duration
	// Err, when set, terminates the stream after the tokens.
	Err error
}

var _ Engine = (*ScriptEngine)(nil)

// Stream replays the configured sequence, honoring ctx cancellation
// between events.
func (e *ScriptEngine) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	out := make(chan Event)

	go func() {
		defer close(out)

		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if e.Trace != "" {
			if !emit(Event{Trace: e.Trace}) {
				return
			}
		}

		for _, token := range e.Tokens {
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					emit(Event{Err: ctx.Err()})
					return
				}
			}
			if !emit(Event{ContentDelta: token}) {
				return
			}
		}

		if len(e.Figures) > 0 {
			if !emit(Event{Figures: e.Figures}) {
				return
			}
		}

		if e.Err != nil {
			emit(Event{Err: e.Err})
		}
	}()

	return out, nil
}
