package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/blackmichael/bulletin-relay/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	cursorServiceName  = "channel"
	cursorSaveInterval = 5 * time.Second
	reconnectBackoff   = 5 * time.Second
	statsInterval      = 30 * time.Second
)

// Handler processes one inbound event.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) (domain.Outcome, error)
}

// Subscriber connects to the channel's websocket and feeds events to a
// Handler.
type Subscriber struct {
	url     string
	handler Handler
	cursors domain.CursorRepository
	logger  *slog.Logger

	saveInterval time.Duration
	backoff      time.Duration
}

// NewSubscriber creates a new channel subscriber. cursors may be nil, in
// which case every connection starts from the live position.
func NewSubscriber(
	channelURL string,
	handler Handler,
	cursors domain.CursorRepository,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		url:          channelURL,
		handler:      handler,
		cursors:      cursors,
		logger:       logger,
		saveInterval: cursorSaveInterval,
		backoff:      reconnectBackoff,
	}
}

// Start connects to the channel and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("channel connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.backoff):
					// backoff before reconnecting
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	if cursor > 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *Subscriber) loadCursor(ctx context.Context) int64 {
	if s.cursors == nil {
		return 0
	}
	cursor, err := s.cursors.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		return 0
	}
	return cursor
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	wsURL, err := s.buildURL(s.loadCursor(ctx))
	if err != nil {
		return err
	}
	s.logger.Info("connecting to channel", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.logger.Info("connected to channel")

	lastCursorSave := time.Now()
	var latestCursor, savedCursor int64
	var eventsReceived, eventsMutating, eventsDropped int64
	lastStatsLog := time.Now()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		ev, ok, err := ParseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", "error", err)
			continue
		}

		eventsReceived++
		if ev.Seq > latestCursor {
			latestCursor = ev.Seq
		}

		if ok {
			outcome, err := s.handler.Handle(ctx, ev)
			if err != nil {
				return fmt.Errorf("handle event %d: %w", ev.Seq, err)
			}
			if outcome.Mutates() {
				eventsMutating++
			} else {
				eventsDropped++
			}
		}

		// Log stats every 30 seconds
		if time.Since(lastStatsLog) >= statsInterval {
			s.logger.Info("channel stats",
				"events_received", eventsReceived,
				"events_applied", eventsMutating,
				"events_dropped", eventsDropped,
			)
			lastStatsLog = time.Now()
		}

		// Periodically save cursor
		if s.cursors != nil && latestCursor != savedCursor && time.Since(lastCursorSave) >= s.saveInterval {
			if err := s.cursors.UpdateCursor(ctx, cursorServiceName, latestCursor); err != nil {
				s.logger.Error("failed to save cursor", "error", err)
			} else {
				lastCursorSave = time.Now()
				savedCursor = latestCursor
			}
		}
	}
}
