package handoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/handoffdesk/handoff-go/internal/logger"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the push channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
}

func (c *ChannelConfig) defaults() {
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
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

// ChannelState is the push channel connection state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelLive         ChannelState = "live"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector is guarded by PushChannel.mu.
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

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
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
// PushChannel
// ============================================================================

// FrameHandler receives every text frame read from the channel.
type FrameHandler func(frame []byte)

// StateHandler receives every state transition; err is the close cause on
// an unintended disconnect.
type StateHandler func(state ChannelState, err error)

// PushChannel is the WebSocket push-notification client. Handlers run on the
// read goroutine, in frame order.
type PushChannel struct {
	url    string
	config *ChannelConfig
	log    *logger.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	parent           context.Context

	onFrame FrameHandler
	onState StateHandler
}

// NewPushChannel creates a channel for url. Call Connect to open it.
func NewPushChannel(url string, config ChannelConfig, log *logger.Logger) *PushChannel {
	cfg := config
	cfg.defaults()
	if log == nil {
		log = logger.Nop()
	}
	return &PushChannel{
		url:    url,
		config: &cfg,
		log:    log.With("component", "PushChannel"),
		state:  ChannelDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// OnFrame sets the frame handler. Set handlers before Connect.
func (pc *PushChannel) OnFrame(h FrameHandler) { pc.onFrame = h }

// OnStateChange sets the state handler. Set handlers before Connect.
func (pc *PushChannel) OnStateChange(h StateHandler) { pc.onState = h }

// State returns the current connection state.
func (pc *PushChannel) State() ChannelState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

func (pc *PushChannel) setState(s ChannelState, err error) {
	pc.mu.Lock()
	changed := pc.state != s
	pc.state = s
	pc.mu.Unlock()
	if changed {
		pc.notify(s, err)
	}
}

func (pc *PushChannel) notify(s ChannelState, err error) {
	if pc.onState != nil {
		pc.onState(s, err)
	}
}

// Connect dials the channel. The connection lives until ctx is cancelled,
// Disconnect is called, or the peer closes it.
func (pc *PushChannel) Connect(ctx context.Context) error {
	return pc.dial(ctx, false)
}

// dial opens the connection. A reconnect gives way to a Disconnect that
// happened while it was waiting.
func (pc *PushChannel) dial(ctx context.Context, reconnect bool) error {
	pc.mu.Lock()
	if pc.state == ChannelLive || pc.state == ChannelConnecting || (reconnect && pc.intentionalClose) {
		pc.mu.Unlock()
		return nil
	}
	pc.state = ChannelConnecting
	pc.intentionalClose = false
	pc.parent = ctx
	pc.mu.Unlock()
	pc.notify(ChannelConnecting, nil)

	opts := &websocket.DialOptions{HTTPClient: pc.config.HTTPClient}
	if pc.config.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + pc.config.Token}}
	}
	conn, _, err := websocket.Dial(ctx, pc.url, opts)
	if err != nil {
		pc.setState(ChannelDisconnected, err)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(pc.config.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	pc.mu.Lock()
	if pc.intentionalClose {
		// Disconnect raced the dial.
		pc.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		pc.setState(ChannelDisconnected, nil)
		return nil
	}
	pc.conn = conn
	pc.cancelFn = cancel
	pc.recon.markConnected()
	pc.mu.Unlock()
	pc.log.Debug("push channel open", "url", pc.url)
	pc.setState(ChannelLive, nil)

	go pc.readLoop(connCtx, conn)
	go pc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops any pending reconnect. Frames
// read after it are dropped.
func (pc *PushChannel) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.recon.reset()
	pc.mu.Unlock()

	pc.setState(ChannelDisconnected, nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (pc *PushChannel) closing() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.intentionalClose
}

func (pc *PushChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if pc.closing() {
				return
			}
			pc.mu.Lock()
			if pc.conn == conn {
				pc.conn = nil
			}
			if pc.cancelFn != nil {
				pc.cancelFn()
				pc.cancelFn = nil
			}
			pc.mu.Unlock()

			pc.log.Warn("push channel closed", "error", err)
			pc.setState(ChannelDisconnected, err)

			if pc.config.AutoReconnect && !errors.Is(err, context.Canceled) {
				go pc.scheduleReconnect()
			}
			return
		}
		if typ != websocket.MessageText || pc.closing() {
			continue
		}
		if pc.onFrame != nil {
			pc.onFrame(data)
		}
	}
}

func (pc *PushChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force close so readLoop reports it.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// nextAttempt reports the delay before the next reconnect, or false once the
// attempts are used up or Disconnect was called.
func (pc *PushChannel) nextAttempt() (time.Duration, int, context.Context, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.intentionalClose || pc.parent == nil || !pc.recon.shouldReconnect() {
		return 0, pc.recon.attempt, nil, false
	}
	delay := pc.recon.nextDelay()
	return delay, pc.recon.attempt, pc.parent, true
}

func (pc *PushChannel) scheduleReconnect() {
	for {
		delay, attempt, parent, ok := pc.nextAttempt()
		if !ok {
			if !pc.closing() {
				pc.log.Warn("push channel giving up", "attempts", attempt)
			}
			return
		}
		pc.log.Info("push channel reconnecting", "attempt", attempt, "delay", delay)

		select {
		case <-parent.Done():
			return
		case <-time.After(delay):
		}
		if err := pc.dial(parent, true); err == nil {
			return
		}
	}
}
