package a2aclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSessionClosed is returned by calls on a closed session.
var ErrSessionClosed = errors.New("a2a session closed")

// HandshakeResult is the server's answer to a successful handshake.
type HandshakeResult struct {
	Success    bool   `json:"success"`
	SessionID  string `json:"sessionId"`
	AgentID    string `json:"agentId"`
	Address    string `json:"address"`
	TokenID    string `json:"tokenId,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

// Session is an authenticated WebSocket. Calls may be issued concurrently;
// pushes arrive on Notifications.
type Session struct {
	ws        *websocket.Conn
	Handshake HandshakeResult

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response
	err     error

	notifications chan Notification
	done          chan struct{}
}

// Dial connects to wsURL (e.g. "wss://a2a.example.com/a2a/ws") and
// authenticates as signer.
func Dial(ctx context.Context, wsURL string, signer *Signer) (*Session, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	s := &Session{
		ws:            ws,
		pending:       make(map[int64]chan *response),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
	}
	go s.readLoop()

	params, err := signer.HandshakeParams()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Call(ctx, "a2a.handshake", params, &s.Handshake); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return s, nil
}

// Notifications delivers server pushes. The channel is closed when the
// session ends; pushes are dropped if it is not drained.
func (s *Session) Notifications() <-chan Notification {
	return s.notifications
}

// Call sends method and waits for its response or ctx.
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	id := s.nextID.Add(1)
	ch := make(chan *response, 1)

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(request{JSONRPC: "2.0", Method: method, Params: params, ID: &id}); err != nil {
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return s.closeErr()
		}
		return decodeResult(resp, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends method without an id; the server will not answer.
func (s *Session) Notify(method string, params any) error {
	return s.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close sends a normal close frame and tears the session down.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.ws.Close()
}

func (s *Session) write(r request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Session) readLoop() {
	defer s.shutdown()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		var msg response
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			select {
			case s.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
			}
			continue
		}
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			continue
		}
		s.mu.Lock()
		ch := s.pending[id]
		s.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}
}

func (s *Session) fail(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		err = fmt.Errorf("%w: %d %s", ErrSessionClosed, ce.Code, ce.Text)
	} else {
		err = fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Session) shutdown() {
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	close(s.notifications)
	close(s.done)
}

func (s *Session) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrSessionClosed
}
