package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Resona/config"
	"Resona/core/rest"
	"Resona/logger"
	"Resona/model"
)

const (
	// 控制帧写超时
	writeWait = 10 * time.Second
	// 节点事件载荷上限
	maxMessageSize = 1 << 20
)

// SessionState tracks the websocket lifecycle of one node session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateResuming
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionEvents receives lifecycle and message callbacks from a session.
// Calls arrive from the session's read goroutine in arrival order.
type SessionEvents interface {
	OnSessionReady(name string, resumed bool, sessionID string)
	OnSessionDown(name string, err error)
	OnSessionFailed(name string, err error)
	OnSessionMessage(name string, msg model.Message)
}

// Session maintains one persistent websocket to a node, reconnecting with
// exponential backoff and presenting the resume key while the window holds.
type Session struct {
	node   config.NodeConfig
	cfg    *config.Config
	rest   *rest.Client
	events SessionEvents

	mu        sync.Mutex
	state     SessionState
	sessionID string // Node-issued id, doubles as the resume key
	conn      *websocket.Conn
	closed    bool
	done      chan struct{}
}

// NewSession creates a session for the node. Start must be called to connect.
func NewSession(node config.NodeConfig, cfg *config.Config, restClient *rest.Client, events SessionEvents) *Session {
	return &Session{
		node:   node,
		cfg:    cfg,
		rest:   restClient,
		events: events,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
}

// Start launches the connect loop.
func (s *Session) Start() {
	go s.run()
}

// Close tears the session down for good. Idempotent; a closed session never
// reconnects.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the node-issued session id, empty before the first ready.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.setStateLocked(state)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}
	logger.Info("node session state",
		logger.String("node", s.node.Name),
		logger.String("from", s.state.String()),
		logger.String("to", state.String()))
	s.state = state
}

// run drives the connect/read/backoff cycle until Close or Failed.
func (s *Session) run() {
	attempts := 0
	for {
		if s.isClosed() {
			return
		}

		resumeKey := s.SessionID()
		if resumeKey != "" {
			s.setState(StateResuming)
		} else {
			s.setState(StateConnecting)
		}

		conn, resp, err := s.dial(resumeKey)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				s.fail(&model.AuthError{Node: s.node.Name, Err: fmt.Errorf("handshake rejected: %d", resp.StatusCode)})
				return
			}
			if !s.backoff(&attempts, err) {
				return
			}
			continue
		}

		gotReady, err := s.pump(conn)
		if s.isClosed() {
			return
		}
		if gotReady {
			// 会话曾经就绪，重置重连预算，抖动后快速重连
			attempts = 0
			s.events.OnSessionDown(s.node.Name, err)
			logger.Warn("node connection lost",
				logger.String("node", s.node.Name),
				logger.ErrorField(err))
			select {
			case <-time.After(backoffDelay(1, s.cfg.BackoffBase, s.cfg.BackoffCap)):
			case <-s.done:
				return
			}
			continue
		}
		// 连接从未就绪，计入重连预算
		if !s.backoff(&attempts, err) {
			return
		}
	}
}

// backoff waits out the next delay. It reports false when the attempt budget
// is exhausted or the session closed, after which run must stop.
func (s *Session) backoff(attempts *int, cause error) bool {
	*attempts++
	if *attempts > s.cfg.ReconnectAttempts {
		s.fail(fmt.Errorf("connect attempts exhausted: %w", cause))
		return false
	}
	wait := backoffDelay(*attempts, s.cfg.BackoffBase, s.cfg.BackoffCap)
	logger.Warn("node connect failed, backing off",
		logger.String("node", s.node.Name),
		logger.Int("attempt", *attempts),
		logger.Duration("wait", wait),
		logger.ErrorField(cause))
	select {
	case <-time.After(wait):
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) fail(err error) {
	s.setState(StateFailed)
	logger.Error("node session failed",
		logger.String("node", s.node.Name),
		logger.ErrorField(err))
	s.events.OnSessionFailed(s.node.Name, err)
}

func (s *Session) dial(resumeKey string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set("Authorization", s.node.Password)
	header.Set("User-Id", s.cfg.UserID)
	header.Set("Client-Name", "Resona/"+config.Version)
	if resumeKey != "" {
		header.Set("Session-Id", resumeKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.WSHandshakeTimeout}
	conn, resp, err := dialer.Dial(s.node.WSURL(), header)
	if err != nil {
		return nil, resp, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil, nil, ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return conn, resp, nil
}

// pump reads frames until the connection dies. The first payload must be
// ready; everything after flows to the handler in arrival order.
func (s *Session) pump(conn *websocket.Conn) (bool, error) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	readWait := s.cfg.WSReadTimeout
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	// 节点的ping同样说明连接活着，顺便刷新读超时
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	gotReady := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return gotReady, fmt.Errorf("read: %w", err)
			}
			return gotReady, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := model.DecodeMessage(data)
		if err != nil {
			var unknown *model.UnknownMessageError
			if errors.As(err, &unknown) {
				logger.Warn("skipping unknown node payload",
					logger.String("node", s.node.Name),
					logger.ErrorField(unknown))
			} else {
				logger.Warn("skipping malformed node payload",
					logger.String("node", s.node.Name),
					logger.ErrorField(err))
			}
			continue
		}

		if !gotReady {
			ready, ok := msg.(*model.ReadyMessage)
			if !ok {
				return false, fmt.Errorf("node sent %s before ready", msg.EventName())
			}
			gotReady = true
			s.handleReady(ready)
			continue
		}

		if _, ok := msg.(*model.ReadyMessage); ok {
			logger.Warn("ignoring duplicate ready", logger.String("node", s.node.Name))
			continue
		}
		s.events.OnSessionMessage(s.node.Name, msg)
	}
}

func (s *Session) handleReady(ready *model.ReadyMessage) {
	s.mu.Lock()
	s.sessionID = ready.SessionID
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	logger.Info("node session ready",
		logger.String("node", s.node.Name),
		logger.String("sessionId", ready.SessionID),
		logger.Bool("resumed", ready.Resumed))

	// 把恢复窗口配置到节点上，失败不影响本次会话
	if s.cfg.SessionResume {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RestTimeout)
		resuming := true
		timeout := int(s.cfg.SessionResumeTimeout.Seconds())
		if _, err := s.rest.UpdateSession(ctx, ready.SessionID, &resuming, &timeout); err != nil {
			logger.Warn("configure session resuming failed",
				logger.String("node", s.node.Name),
				logger.ErrorField(err))
		}
		cancel()
	}

	s.events.OnSessionReady(s.node.Name, ready.Resumed, ready.SessionID)
}

// backoffDelay returns the wait before reconnect attempt n, an exponential
// curve capped pre-jitter, with a jitter factor in [0.5, 1.5).
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := max
	if attempt < 30 {
		d = base << (attempt - 1)
		if d > max || d <= 0 {
			d = max
		}
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
