// Package worker consumes work items from the queue and streams
// generations back to the originating connection. Each worker owns one
// item at a time, so frames for a connection are totally ordered; many
// workers run in parallel across different items.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/inference"
	"github.com/seanhagen/chatwire/internal/protocol"
	"github.com/seanhagen/chatwire/internal/queue"
	"github.com/seanhagen/chatwire/internal/registry"
	"github.com/seanhagen/chatwire/internal/storage"
)

// Config bounds the pool.
type Config struct {
	// Workers is the number of concurrent consumers.
	Workers int
	// Timeout is the hard ceiling on one generation, independent of the
	// queue's visibility window.
	Timeout time.Duration
	// HistoryMaxMessages caps how many prior turns are loaded.
	HistoryMaxMessages int
	// HistoryMaxTokens caps the token cost of loaded history.
	HistoryMaxTokens int
}

// Pool runs the inference workers.
type Pool struct {
	cfg      Config
	queue    queue.Queue
	store    storage.Store
	registry *registry.Registry
	engine   inference.Engine
	history  *historyLoader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a worker pool.
func NewPool(cfg Config, q queue.Queue, store storage.Store, reg *registry.Registry, engine inference.Engine, opts ...Option) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	history, err := newHistoryLoader(store, cfg.HistoryMaxMessages, cfg.HistoryMaxTokens)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		registry: reg,
		engine:   engine,
		history:  history,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. They stop when ctx is cancelled or the
// queue closes; Wait blocks until all have exited.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker", id))
	for {
		item, handle, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}

		if err := p.Process(ctx, item); err != nil {
			logger.Error("item failed",
				slog.String("session_id", item.SessionID),
				slog.String("message_id", item.MessageID),
				slog.String("error", err.Error()),
			)
		}

		// Every outcome acks: a failed or abandoned generation must not
		// be silently replayed against the user. Redelivery exists only
		// for workers that die before reaching this line.
		if err := p.queue.Ack(ctx, handle); err != nil {
			logger.Error("ack failed", slog.String("error", err.Error()))
		}
	}
}

// Process runs one work item to its terminal frame. The returned error
// is diagnostic only; the caller acks regardless.
func (p *Pool) Process(ctx context.Context, item domain.WorkItem) error {
	tracer := otel.Tracer("chatwire/worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	span.SetAttributes(
		attribute.String("session_id", item.SessionID),
		attribute.String("bot_id", item.BotID),
	)
	defer span.End()

	// The client learns generation has begun before any slow work
	// happens. A gone connection here makes the whole item a no-op.
	if err := p.send(ctx, item, protocol.Start(item.SessionID, item.MessageID)); err != nil {
		if domain.IsConnectionGone(err) {
			p.logger.Info("connection gone before start, abandoning item",
				slog.String("connection_id", item.ConnectionID),
				slog.String("session_id", item.SessionID),
			)
			return nil
		}
		return err
	}

	var history []*domain.Message
	if item.UseHistory {
		var err error
		history, err = p.history.Load(ctx, item.SessionID, item.MessageID)
		if err != nil {
			p.sendError(ctx, item, "history unavailable")
			return domain.ErrInference("history unavailable", err)
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	events, err := p.engine.Stream(genCtx, &inference.Request{
		Query:       item.Query,
		History:     history,
		BotID:       item.BotID,
		UserProfile: item.UserProfile,
	})
	if err != nil {
		p.sendError(ctx, item, "inference unavailable")
		return domain.ErrInference("inference unavailable", err)
	}

	return p.stream(ctx, genCtx, cancel, item, events)
}

// stream forwards engine events as frames until a terminal condition.
// ctx survives the generation timeout so terminal frames still go out.
func (p *Pool) stream(ctx, genCtx context.Context, cancel context.CancelFunc, item domain.WorkItem, events <-chan inference.Event) error {
	var answer strings.Builder
	var figures []domain.Figure

	for {
		select {
		case <-genCtx.Done():
			cancel()
			p.drain(events)
			p.sendError(ctx, item, "inference timed out")
			return domain.ErrInference("inference timed out", genCtx.Err())

		case ev, ok := <-events:
			if !ok {
				return p.finish(ctx, item, answer.String(), figures)
			}

			if ev.Err != nil {
				reason := "inference failed"
				if errors.Is(ev.Err, context.DeadlineExceeded) {
					reason = "inference timed out"
				}
				p.sendError(ctx, item, reason)
				return domain.ErrInference(reason, ev.Err)
			}

			frame, record := p.frameFor(item, ev)
			if frame == nil {
				continue
			}
			if err := p.send(ctx, item, *frame); err != nil {
				// Either way the engine must be unblocked before we
				// abandon the channel.
				cancel()
				p.drain(events)
				if domain.IsConnectionGone(err) {
					// Client vanished mid-generation: skip persistence,
					// ack. Nothing else to do.
					return nil
				}
				return err
			}
			if record != nil {
				record(&answer, &figures)
			}
		}
	}
}

// frameFor maps one engine event to at most one frame, plus a closure
// recording what the frame contributed to the final transcript.
func (p *Pool) frameFor(item domain.WorkItem, ev inference.Event) (*protocol.Frame, func(*strings.Builder, *[]domain.Figure)) {
	switch {
	case ev.ContentDelta != "":
		f := protocol.Chunk(item.SessionID, item.MessageID, ev.ContentDelta)
		return &f, func(answer *strings.Builder, _ *[]domain.Figure) {
			answer.WriteString(ev.ContentDelta)
		}
	case len(ev.Figures) > 0:
		f := protocol.Context(item.SessionID, item.MessageID, ev.Figures)
		return &f, func(_ *strings.Builder, figures *[]domain.Figure) {
			*figures = append(*figures, ev.Figures...)
		}
	case ev.Trace != "":
		if !item.EnableTrace {
			return nil, nil
		}
		f := protocol.Monitor(item.SessionID, item.MessageID, ev.Trace)
		return &f, nil
	default:
		return nil, nil
	}
}

// finish emits END and persists the AI turn. Persistence happens only
// here, at the single worker that reached the terminal frame, which is
// what keeps redelivery from producing duplicate history rows.
func (p *Pool) finish(ctx context.Context, item domain.WorkItem, answer string, figures []domain.Figure) error {
	if err := p.send(ctx, item, protocol.End(item.SessionID, item.MessageID)); err != nil {
		if domain.IsConnectionGone(err) {
			return nil
		}
		return err
	}

	msg := &domain.Message{
		MessageID: uuid.New().String(),
		SessionID: item.SessionID,
		Role:      domain.RoleAI,
		Content:   answer,
		Figures:   figures,
	}
	if err := p.store.AddMessage(ctx, msg); err != nil {
		// The client already saw END; retrying would risk a duplicate
		// answer. Log and move on.
		p.logger.Error("failed to persist ai message",
			slog.String("session_id", item.SessionID),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.logger.Info("generation complete",
		slog.String("session_id", item.SessionID),
		slog.String("message_id", item.MessageID),
		slog.Int("answer_len", len(answer)),
	)
	return nil
}

func (p *Pool) send(ctx context.Context, item domain.WorkItem, frame protocol.Frame) error {
	return p.registry.Send(ctx, item.ConnectionID, frame)
}

// sendError best-effort delivers the terminal ERROR frame; a gone
// connection at this point changes nothing.
func (p *Pool) sendError(ctx context.Context, item domain.WorkItem, reason string) {
	err := p.send(ctx, item, protocol.Error(item.SessionID, item.MessageID, reason))
	if err != nil && !domain.IsConnectionGone(err) {
		p.logger.Error("failed to send error frame",
			slog.String("connection_id", item.ConnectionID),
			slog.String("error", err.Error()),
		)
	}
}

// drain unblocks the engine goroutine after a cancelled generation.
func (p *Pool) drain(events <-chan inference.Event) {
	go func() {
		for range events {
		}
	}()
}
