package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenProvider supplies the bearer token for channel and REST calls.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a TokenProvider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// ChannelConfig configures a WSChannel.
type ChannelConfig struct {
	// Path is appended to the base URL. Defaults to "/ws".
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	WriteTimeout         time.Duration
	SendBuffer           int
	ReadLimit            int64
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// DefaultChannelConfig returns a config with reconnects enabled.
func DefaultChannelConfig() *ChannelConfig {
	c := &ChannelConfig{AutoReconnect: true}
	c.defaults()
	return c
}

func (c *ChannelConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

var errSendBufferFull = errors.New("send buffer full")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay backs off exponentially with jitter. A connection that stayed
// up for a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a Channel over a WebSocket carrying JSON envelopes. It
// reconnects with backoff on its own and reports every transition through
// OnState. Emits are queued and written by a single writer goroutine.
type WSChannel struct {
	baseURL string
	tokens  TokenProvider
	config  *ChannelConfig
	log     *zap.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	cancelFn         context.CancelFunc
	sendCh           chan []byte
	onEnvelope       func(Envelope)
	onState          func(ConnectionState)
}

// NewWSChannel creates a channel to baseURL. A nil config uses
// DefaultChannelConfig.
func NewWSChannel(baseURL string, tokens TokenProvider, config *ChannelConfig) *WSChannel {
	if config == nil {
		config = DefaultChannelConfig()
	}
	config.defaults()
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &WSChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		config:  config,
		log:     config.Logger,
		recon:   newReconnector(config),
		state:   StateDisconnected,
	}
}

// OnEnvelope sets the inbound frame callback, replacing any previous one.
func (ws *WSChannel) OnEnvelope(fn func(Envelope)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onEnvelope = fn
}

// OnState sets the state callback, replacing any previous one.
func (ws *WSChannel) OnState(fn func(ConnectionState)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onState = fn
}

// State returns the transport state.
func (ws *WSChannel) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) setState(s ConnectionState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	fn := ws.onState
	ws.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

func (ws *WSChannel) dialURL(token string) string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += ws.config.Path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Connect dials the server. The connection and its reconnects live until
// ctx is cancelled or Close is called.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSChannel) dial(ctx context.Context) error {
	token, err := ws.tokens(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, ws.dialURL(token), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(ws.config.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	sendCh := make(chan []byte, ws.config.SendBuffer)

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errors.New("channel closed while dialing")
	}
	ws.conn = conn
	ws.cancelFn = cancel
	ws.sendCh = sendCh
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.log.Info("channel connected", zap.String("url", ws.baseURL+ws.config.Path))

	go ws.readLoop(ctx, connCtx, conn)
	go ws.writeLoop(connCtx, conn, sendCh)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Close shuts the connection down and stops reconnecting.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.sendCh = nil
	ws.mu.Unlock()

	ws.recon.reset()
	ws.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit queues an envelope for writing. It never blocks on the network.
func (ws *WSChannel) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: body})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.state != StateConnected || ws.sendCh == nil {
		return ErrNotConnected
	}
	select {
	case ws.sendCh <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (ws *WSChannel) readLoop(parent, ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.dropped(parent, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ws.log.Debug("dropped undecodable frame", zap.Int("bytes", len(data)))
			continue
		}

		ws.mu.Lock()
		fn := ws.onEnvelope
		ws.mu.Unlock()
		if fn != nil {
			fn(env)
		}
	}
}

func (ws *WSChannel) writeLoop(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendCh:
			wctx, cancel := context.WithTimeout(ctx, ws.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				ws.log.Warn("channel write failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, ws.config.PongTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// dropped handles the loss of conn. Unless the close was requested, the
// channel reconnects with backoff.
func (ws *WSChannel) dropped(parent context.Context, conn *websocket.Conn, cause error) {
	ws.mu.Lock()
	if ws.intentionalClose || ws.conn != conn {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	ws.sendCh = nil
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.mu.Unlock()

	ws.log.Warn("channel lost", zap.Error(cause))
	if !ws.config.AutoReconnect || parent.Err() != nil {
		ws.setState(StateDisconnected)
		return
	}
	ws.reconnectLoop(parent)
}

func (ws *WSChannel) reconnectLoop(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info("reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			ws.setState(StateDisconnected)
			return
		case <-timer.C:
		}

		ws.mu.Lock()
		closed := ws.intentionalClose
		ws.mu.Unlock()
		if closed {
			return
		}
		err := ws.dial(ctx)
		if err == nil {
			return
		}
		ws.log.Warn("reconnect failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
	}
	ws.log.Warn("giving up reconnecting", zap.Int("attempts", ws.recon.attempt))
	ws.setState(StateDisconnected)
}
