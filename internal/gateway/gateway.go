// Package gateway implements one Discord gateway websocket session
// (spec.md §4.B): HELLO, heartbeat, IDENTIFY/RESUME, DISPATCH forwarding,
// and reconnect/backoff. A Client runs two Sessions, one per token
// (user and bot), both forwarding into the same Observer.
//
// The lifecycle shape (Start/Stop with context.CancelFunc and
// sync.WaitGroup) follows the teacher's internal/gateway/gateway.go;
// the wire protocol itself is new, grounded on spec.md §4.B since
// original_source/ only ever polled over HTTP and never spoke the
// gateway protocol directly.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/mjclient/internal/mjerrors"
)

// Opcodes from Discord's gateway wire protocol.
const (
	opDispatch            = 0
	opHeartbeat           = 1
	opIdentify            = 2
	opResume              = 6
	opReconnect           = 7
	opInvalidSession      = 9
	opHello               = 10
	opHeartbeatAck        = 11
	intentsGuildsMessages = 513
)

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateReady
	StateResuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// fatalCloseCodes never trigger a reconnect attempt; they surface a
// typed auth/config error from the Facade's Initialize instead.
var fatalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// DispatchHandler receives every DISPATCH event's type and raw data.
type DispatchHandler func(eventType string, data json.RawMessage)

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  *string         `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	ResumeURL string `json:"resume_gateway_url"`
}

// Session owns one websocket connection, its heartbeat clock, and its
// identify/resume bookkeeping.
type Session struct {
	Token    string
	IsBot    bool
	URL      string
	OnEvent  DispatchHandler
	Logger   *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	sessionID   string
	resumeURL   string
	sequence    *int64
	lastAckAt   time.Time

	// onReady is installed by run and called on every READY; only the
	// first call is reported back to Start.
	onReady func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession constructs a Session for one token against gatewayURL.
// isBot only affects logging context; the wire protocol is identical
// for both tokens.
func NewSession(token string, isBot bool, gatewayURL string, onEvent DispatchHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Token:   token,
		IsBot:   isBot,
		URL:     gatewayURL,
		OnEvent: onEvent,
		Logger:  logger.With("session", roleName(isBot)),
		state:   StateConnecting,
	}
}

func roleName(isBot bool) string {
	if isBot {
		return "bot"
	}
	return "user"
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the session_id Discord assigned at the last READY,
// the value every interaction payload sent on this session's behalf
// must carry. Empty until the first READY arrives.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start connects and runs the session until ctx is cancelled or a
// fatal close code is received. It blocks until the first READY (or
// a fatal failure), then continues reconnecting in the background.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ready := make(chan error, 1)
	s.wg.Add(1)
	go s.run(ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears down the session and waits for its goroutine to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.setState(StateClosed)
}

// run drives the connect/identify/resume loop. The first successful
// READY (or fatal error) is reported once on ready; every value after
// that is consumed internally as the session reconnects on its own.
func (s *Session) run(ready chan<- error) {
	defer s.wg.Done()
	reportedReady := false
	report := func(err error) {
		if !reportedReady {
			reportedReady = true
			ready <- err
		}
	}
	s.onReady = func() { report(nil) }

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		err := s.connectAndServe()
		if err == nil {
			return
		}

		var fatal *mjerrors.Error
		if asFatal(err, &fatal) {
			report(fatal)
			return
		}

		report(nil)
		s.Logger.Error("gateway session failed, reconnecting", "error", err)
		s.setState(StateResuming)

		delay := time.Duration(1000+rand.Intn(4000)) * time.Millisecond
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func asFatal(err error, target **mjerrors.Error) bool {
	var e *mjerrors.Error
	if err == nil {
		return false
	}
	if x, ok := err.(*mjerrors.Error); ok {
		e = x
	} else {
		return false
	}
	if e.Kind != mjerrors.KindAuth {
		return false
	}
	*target = e
	return true
}

// connectAndServe opens one websocket connection, performs the
// handshake (HELLO → IDENTIFY or RESUME), then reads dispatches until
// the connection closes. A nil return means the caller's context was
// cancelled deliberately; any other error means "try again" unless it
// wraps a fatal *mjerrors.Error.
func (s *Session) connectAndServe() error {
	url := s.URL
	s.mu.Lock()
	if s.resumeURL != "" {
		url = s.resumeURL
	}
	s.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, url, nil)
	if err != nil {
		return mjerrors.New(mjerrors.KindTransientNetwork, "", "", 0, fmt.Errorf("dial gateway: %w", err))
	}
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnecting
	s.mu.Unlock()
	defer conn.Close()

	var hello envelope
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello opcode, got %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	s.mu.Lock()
	s.lastAckAt = time.Now()
	s.mu.Unlock()

	heartbeatCtx, stopHeartbeat := context.WithCancel(s.ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(heartbeatCtx, conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)

	if err := s.identifyOrResume(conn); err != nil {
		return err
	}

	return s.readLoop(conn)
}

func (s *Session) identifyOrResume(conn *websocket.Conn) error {
	s.mu.Lock()
	sessionID, sequence := s.sessionID, s.sequence
	s.mu.Unlock()

	if sessionID != "" && sequence != nil {
		s.setState(StateResuming)
		payload := envelope{Op: opResume, D: mustMarshal(map[string]any{
			"token":      s.Token,
			"session_id": sessionID,
			"seq":        *sequence,
		})}
		return conn.WriteJSON(payload)
	}

	s.setState(StateIdentifying)
	payload := envelope{Op: opIdentify, D: mustMarshal(map[string]any{
		"token":   s.Token,
		"intents": intentsGuildsMessages,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "mjclient",
			"device":  "mjclient",
		},
	})}
	return conn.WriteJSON(payload)
}

// heartbeatLoop sends a heartbeat every interval and tears down the
// connection if no ack arrives within 2x the interval, per spec §3's
// missed-heartbeat reconnect requirement. Closing conn here makes
// readLoop's blocking ReadJSON fail, which unwinds connectAndServe and
// lets run() reconnect with its usual backoff.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	jitter := time.Duration(rand.Float64() * float64(interval))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.mu.Lock()
			seq := s.sequence
			lastAck := s.lastAckAt
			s.mu.Unlock()

			if !lastAck.IsZero() && time.Since(lastAck) > 2*interval {
				s.Logger.Error("missed heartbeat ack within 2x interval, forcing reconnect")
				conn.Close()
				return
			}
			if err := conn.WriteJSON(envelope{Op: opHeartbeat, D: mustMarshal(seq)}); err != nil {
				return
			}
			timer.Reset(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if reason, fatal := fatalCloseCodes[closeErr.Code]; fatal {
					return mjerrors.New(mjerrors.KindAuth, "", "", 0, fmt.Errorf("gateway closed: %s (%d)", reason, closeErr.Code))
				}
				return fmt.Errorf("gateway closed: %w", err)
			}
			return fmt.Errorf("read gateway frame: %w", err)
		}

		switch env.Op {
		case opDispatch:
			s.handleDispatch(env)
		case opHeartbeat:
			s.mu.Lock()
			seq := s.sequence
			s.mu.Unlock()
			if err := conn.WriteJSON(envelope{Op: opHeartbeat, D: mustMarshal(seq)}); err != nil {
				return err
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			s.mu.Lock()
			s.sessionID = ""
			s.sequence = nil
			s.mu.Unlock()
			return fmt.Errorf("invalid session, reidentifying")
		case opHeartbeatAck:
			s.mu.Lock()
			s.lastAckAt = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Session) handleDispatch(env envelope) {
	if env.S != nil {
		s.mu.Lock()
		s.sequence = env.S
		s.mu.Unlock()
	}
	if env.T == nil {
		return
	}

	if *env.T == "READY" {
		var rd readyData
		if err := json.Unmarshal(env.D, &rd); err == nil {
			s.mu.Lock()
			s.sessionID = rd.SessionID
			s.resumeURL = rd.ResumeURL
			s.state = StateReady
			s.mu.Unlock()
			if s.onReady != nil {
				s.onReady()
			}
		}
	}

	if s.OnEvent != nil {
		s.OnEvent(*env.T, env.D)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
