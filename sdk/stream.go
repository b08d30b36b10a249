package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/timeouts"
)

// closeUnauthorized is the close code the gateway uses for bad credentials.
const closeUnauthorized = 4401

// Stream is a live connection to the notification gateway. Events are
// delivered in order until the connection ends; nothing missed while
// disconnected is replayed.
type Stream struct {
	conn    *websocket.Conn
	events  chan schemas.Event
	pongs   chan struct{}
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	mu  sync.Mutex
	err error
}

// Subscribe opens the gateway connection of the client's owner.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeouts.SecondDefault,
	}
	conn, resp, err := dialer.DialContext(ctx, gatewayURL(c.baseURL), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return nil, err
	}

	stream := &Stream{
		conn:   conn,
		events: make(chan schemas.Event, 16),
		pongs:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go stream.read()
	return stream, nil
}

func gatewayURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	}
	return baseURL + "/ws"
}

// Events is closed when the connection ends; Err then reports why.
func (s *Stream) Events() <-chan schemas.Event {
	return s.events
}

// Err returns ErrAuthRequired when the gateway rejected the credentials,
// nil after a normal close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ping asks the gateway for a pong and waits for it.
func (s *Stream) Ping(ctx context.Context) error {
	if err := s.write(schemas.ClientMessage{Type: schemas.MessagePing}); err != nil {
		return err
	}
	select {
	case <-s.pongs:
		return nil
	case <-s.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeouts.SocketWrite))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Stream) write(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeouts.SocketWrite))
	return s.conn.WriteJSON(payload)
}

func (s *Stream) read() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		var event schemas.Event
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		if string(event.Type) == schemas.MessagePong {
			select {
			case s.pongs <- struct{}{}:
			default:
			}
			continue
		}
		if event.Type == "" {
			continue
		}
		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) finish(err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == closeUnauthorized:
		err = ErrAuthRequired
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		err = nil
	case errors.Is(err, net.ErrClosed):
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
