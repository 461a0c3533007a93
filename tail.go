package workersdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// maxTailMessageBytes caps one tail event frame.
const maxTailMessageBytes = 1 << 20

// tailReconnectWait is the pause before re-dialing a dropped stream.
// Variable so tests can shrink it.
var tailReconnectWait = time.Second

// Tail streams live log events for script to handler until ctx is canceled
// or the server closes the stream. A dropped connection is re-dialed once
// with a fresh session before giving up.
func Tail(ctx context.Context, client *Client, script string, handler func(*TailEvent)) error {
	reconnected := false
	for {
		err := tailOnce(ctx, client, script, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		if reconnected {
			return err
		}
		reconnected = true
		logger.Warn().Err(err).Str("script", script).Msg("tail stream dropped; reconnecting")
		select {
		case <-time.After(tailReconnectWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func tailOnce(ctx context.Context, client *Client, script string, handler func(*TailEvent)) error {
	session, err := client.CreateTailSession(ctx, script)
	if err != nil {
		return fmt.Errorf("creating tail session: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, session.WebSocketURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to tail stream: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(maxTailMessageBytes)

	logger.Info().Str("script", script).Str("session", session.ID).Msg("tail connected")

	// Reader goroutine: frames from the stream into a channel.
	incoming := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(incoming)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case incoming <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case data, ok := <-incoming:
			if !ok {
				select {
				case err := <-readErr:
					if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
						return nil
					}
					return fmt.Errorf("tail stream: %w", err)
				default:
					return nil
				}
			}
			var ev TailEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				logger.Debug().Err(err).Msg("skipping malformed tail event")
				continue
			}
			handler(&ev)

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("tail ping: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Lines flattens a tail event into printable lines: outcome header first,
// then logs and exceptions in order.
func (e *TailEvent) Lines() []string {
	ts := e.Timestamp.Format("15:04:05")
	lines := []string{fmt.Sprintf("[%s] %s %s", ts, e.ScriptName, e.Outcome)}
	for _, l := range e.Logs {
		lines = append(lines, fmt.Sprintf("  %-5s %s", l.Level, l.Message))
	}
	for _, ex := range e.Exceptions {
		lines = append(lines, "  error "+ex)
	}
	return lines
}
