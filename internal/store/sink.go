package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mossy-p/realtime-chat/internal/models"
)

const (
	DefaultQueueSize   = 1024
	DefaultSaveTimeout = 5 * time.Second
)

// MessageWriter stores one message.
type MessageWriter interface {
	SaveMessage(ctx context.Context, msg models.ChatMessage) error
}

// Sink is a fire-and-forget persistence queue. Enqueue never blocks: when
// the queue is full the message is dropped and counted.
type Sink struct {
	writer      MessageWriter
	queue       chan models.ChatMessage
	saveTimeout time.Duration
	dropped     atomic.Uint64
	failed      atomic.Uint64
	logger      *slog.Logger
}

func NewSink(writer MessageWriter, queueSize int, saveTimeout time.Duration, logger *slog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if saveTimeout <= 0 {
		saveTimeout = DefaultSaveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		writer:      writer,
		queue:       make(chan models.ChatMessage, queueSize),
		saveTimeout: saveTimeout,
		logger:      logger.With("component", "store"),
	}
}

func (s *Sink) Enqueue(msg models.ChatMessage) {
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("persistence queue full, dropping message", "message", msg.ID)
	}
}

// Run writes queued messages until ctx is cancelled, then drains what is
// still queued before returning.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-s.queue:
			s.save(context.WithoutCancel(ctx), msg)
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (s *Sink) drain(ctx context.Context) {
	for {
		select {
		case msg := <-s.queue:
			s.save(ctx, msg)
		default:
			return
		}
	}
}

func (s *Sink) save(ctx context.Context, msg models.ChatMessage) {
	ctx, cancel := context.WithTimeout(ctx, s.saveTimeout)
	defer cancel()
	if err := s.writer.SaveMessage(ctx, msg); err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to persist message", "message", msg.ID, "error", err)
	}
}

// Dropped counts messages rejected by a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Failed counts messages the writer could not store.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// NopSink discards messages, used when persistence is disabled.
type NopSink struct{}

func (NopSink) Enqueue(models.ChatMessage) {}
