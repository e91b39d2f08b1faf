package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultEventKeepalive = 30 * time.Second

// EventStream is a live subscription to the bridge's trade events.
type EventStream struct {
	conn      *websocket.Conn
	keepalive time.Duration
}

// Subscribe opens the event stream. Events are hints: consumers still poll
// positions and orders for the authoritative state.
func (c *Client) Subscribe(ctx context.Context, keepalive time.Duration) (*EventStream, error) {
	if c.eventsURL == "" {
		return nil, errors.New("events url required")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.eventsURL, header)
	if err != nil {
		return nil, err
	}
	return &EventStream{conn: conn, keepalive: keepalive}, nil
}

// Events delivers events for symbol (all symbols when empty) until the
// connection drops or ctx is done. The error channel gets the reason.
func (s *EventStream) Events(ctx context.Context, symbol string) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if s.keepalive > 0 {
		readTimeout = s.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(events)
		defer s.conn.Close()

		for {
			_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
				continue
			}
			if symbol != "" && ev.Symbol != "" && ev.Symbol != symbol {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var tick <-chan time.Time
		if s.keepalive > 0 {
			ticker := time.NewTicker(s.keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = s.conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = s.conn.Close()
				return
			}
		}
	}()

	return events, errCh
}

func (s *EventStream) Close() error {
	return s.conn.Close()
}

// Watch turns the event stream into change signals for the monitor. The
// signal channel closes when the stream drops; the error channel says why.
func (c *Client) Watch(ctx context.Context, symbol string) (<-chan struct{}, <-chan error, error) {
	stream, err := c.Subscribe(ctx, defaultEventKeepalive)
	if err != nil {
		return nil, nil, err
	}
	events, errs := stream.Events(ctx, symbol)
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for ev := range events {
			log.Debug().Str("event", "bridge_event").Str("type", ev.Type).Str("symbol", ev.Symbol).
				Int64("ticket", ev.Ticket).Int64("magic", ev.Magic).Msg("trade event")
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, errs, nil
}
