package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/handoffdesk/handoff-go/internal/logger"
)

// ============================================================================
// Collaborators
// ============================================================================

// Backend is the REST surface the controller drives. *Client implements it.
type Backend interface {
	FetchSnapshot(ctx context.Context, q SnapshotQuery) ([]Conversation, error)
	SendFile(ctx context.Context, compositeID, text, fileName string, file io.Reader) error
	Resolve(ctx context.Context, compositeID string) error
	Transfer(ctx context.Context, compositeID, department string) error
	TakeOver(ctx context.Context, compositeID string) error
	Token() string
	WSURL() string
}

// PushSource is a push-event stream. *PushChannel implements it.
type PushSource interface {
	OnFrame(h FrameHandler)
	OnStateChange(h StateHandler)
	Connect(ctx context.Context) error
	Disconnect() error
	State() ChannelState
}

// ============================================================================
// Events
// ============================================================================

// Controller event names passed to handlers registered with On.
const (
	EventStoreChanged     = "store.changed"     // payload StoreChange
	EventAttentionChanged = "attention.changed" // payload bool
	EventSelectionChanged = "selection.changed" // payload string, "" for none
	EventChannelState     = "channel.state"     // payload ChannelChange
	EventFetchState       = "fetch.state"       // payload FetchState
	EventSyncError        = "sync.error"        // payload error
	EventIntentFailed     = "intent.failed"     // payload *IntentError
)

type StoreChange struct {
	Reason         string
	ConversationID string
}

type ChannelChange struct {
	State ChannelState
	Err   error
}

// FetchState is the snapshot refresh cycle state.
type FetchState string

const (
	FetchIdle     FetchState = "idle"
	FetchFetching FetchState = "fetching"
)

// IntentError is a rejected operator action.
type IntentError struct {
	Intent         string
	ConversationID string
	Err            error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Intent, e.ConversationID, e.Err)
}

func (e *IntentError) Unwrap() error { return e.Err }

// SyncEventHandler handles controller events.
type SyncEventHandler func(event string, payload any)

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncEventHandler
}

// On registers a handler. Handlers run synchronously; they must not block.
func (e *syncEmitter) On(event string, handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

type emitted struct {
	event   string
	payload any
}

// ============================================================================
// Options
// ============================================================================

const DefaultPollInterval = 30 * time.Second

type SyncOption func(*SyncController)

// WithLogger logs through l. The default discards logs.
func WithLogger(l *zap.Logger) SyncOption {
	return func(c *SyncController) {
		if l != nil {
			c.log = &logger.Logger{SugaredLogger: l.Sugar()}
		}
	}
}

// WithPollInterval sets the periodic snapshot cadence; 0 disables polling.
func WithPollInterval(d time.Duration) SyncOption {
	return func(c *SyncController) { c.pollInterval = d }
}

func WithSnapshotQuery(q SnapshotQuery) SyncOption {
	return func(c *SyncController) { c.query = q }
}

// WithChannelConfig configures the default push channel. Token is always
// taken from the backend.
func WithChannelConfig(cfg ChannelConfig) SyncOption {
	return func(c *SyncController) { c.channelCfg = cfg }
}

// WithAutoReconnect redials a dropped push channel with backoff. Without it
// the channel is reopened by the next operator action.
func WithAutoReconnect(enabled bool) SyncOption {
	return func(c *SyncController) { c.channelCfg.AutoReconnect = enabled }
}

// WithPushSource replaces the WebSocket push channel.
func WithPushSource(factory func(url string, cfg ChannelConfig) PushSource) SyncOption {
	return func(c *SyncController) { c.newPush = factory }
}

// WithClock sets the time source used for token expiry.
func WithClock(now func() time.Time) SyncOption {
	return func(c *SyncController) { c.now = now }
}

// ============================================================================
// SyncController
// ============================================================================

// SyncController keeps one session's ConversationStore in step with the
// backend. Snapshot results, push events and selection changes are applied
// one at a time; network I/O happens on other goroutines.
type SyncController struct {
	syncEmitter
	backend Backend
	log     *logger.Logger

	pollInterval time.Duration
	query        SnapshotQuery
	channelCfg   ChannelConfig
	newPush      func(url string, cfg ChannelConfig) PushSource
	now          func() time.Time

	mu      sync.Mutex
	session *session
	idle    *ConversationStore
}

// NewSyncController creates a stopped controller.
func NewSyncController(backend Backend, opts ...SyncOption) *SyncController {
	c := &SyncController{
		syncEmitter:  syncEmitter{listeners: make(map[string][]SyncEventHandler)},
		backend:      backend,
		log:          logger.Nop(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		idle:         NewConversationStore(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newPush == nil {
		log := c.log
		c.newPush = func(url string, cfg ChannelConfig) PushSource {
			return NewPushChannel(url, cfg, log)
		}
	}
	return c
}

// session is everything a login owns. It is discarded on Stop.
type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	store    *ConversationStore
	push     PushSource
	operator *Operator
	inbox    chan inboxItem
	endOnce  sync.Once

	// Guarded by mu. Every mutation happens under mu after checking ctx.
	mu             sync.Mutex
	selected       string
	fetch          FetchState
	refetchPending bool
	channel        ChannelState
	wasLive        bool
	attention      bool
}

type inboxItem interface{ isInboxItem() }

type frameItem struct{ raw []byte }

type snapshotItem struct {
	convs []Conversation
	err   error
}

type channelItem struct {
	state ChannelState
	err   error
}

type refetchItem struct{ reason string }

func (frameItem) isInboxItem()    {}
func (snapshotItem) isInboxItem() {}
func (channelItem) isInboxItem()  {}
func (refetchItem) isInboxItem()  {}

func (s *session) post(item inboxItem) {
	select {
	case s.inbox <- item:
	case <-s.ctx.Done():
	}
}

func (s *session) closed() bool { return s.ctx.Err() != nil }

// ── Lifecycle ────────────────────────────────────────────

// Start begins a session: it checks the token, loads the first snapshot and
// opens the push channel. It returns once the session is running; loading
// and connecting continue in the background. Starting a running controller
// is a no-op. Cancelling ctx ends the session like Stop.
func (c *SyncController) Start(ctx context.Context) error {
	_, err := c.start(ctx)
	return err
}

// Run starts a session and blocks until ctx is done, Stop is called, or the
// backend rejects the token.
func (c *SyncController) Run(ctx context.Context) error {
	s, err := c.start(ctx)
	if err != nil {
		return err
	}
	err = s.group.Wait()
	c.end(s)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *SyncController) start(ctx context.Context) (*session, error) {
	op, err := CheckToken(c.backend.Token(), c.now())
	if err != nil {
		return nil, err
	}

	if stale := c.current(); stale != nil && stale.closed() {
		c.end(stale)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.closed() {
		return c.session, nil
	}

	sctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(sctx)
	cfg := c.channelCfg
	cfg.Token = c.backend.Token()
	s := &session{
		id:       uuid.NewString(),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		store:    NewConversationStore(),
		push:     c.newPush(c.backend.WSURL(), cfg),
		operator: op,
		inbox:    make(chan inboxItem, 64),
		fetch:    FetchIdle,
		channel:  ChannelDisconnected,
	}
	s.push.OnFrame(func(raw []byte) { s.post(frameItem{raw: raw}) })
	s.push.OnStateChange(func(st ChannelState, err error) { s.post(channelItem{state: st, err: err}) })
	c.session = s

	c.log.Info("session started", "session", s.id, "operator", op.Username)
	group.Go(func() error { return c.loop(s) })
	if c.pollInterval > 0 {
		group.Go(func() error { return c.poll(s) })
	}
	s.post(refetchItem{reason: "initial load"})
	c.connect(s)
	return s, nil
}

// Stop ends the session: the channel is torn down and the store emptied.
// Events and fetch results arriving afterwards are discarded.
func (c *SyncController) Stop() {
	if s := c.current(); s != nil {
		c.end(s)
	}
}

func (c *SyncController) end(s *session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	s.endOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.store.Reset()
		s.selected = ""
		s.mu.Unlock()
		_ = s.push.Disconnect()
		c.log.Info("session ended", "session", s.id)
	})
}

func (c *SyncController) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// connect and fetchSnapshot run outside the group: they may start after the
// loop has returned, and both end with the session context.
func (c *SyncController) connect(s *session) {
	go func() {
		if err := s.push.Connect(s.ctx); err != nil && !s.closed() {
			c.log.Warn("push channel connect failed", "session", s.id, "error", err)
		}
	}()
}

// ensureConnected reopens a dropped push channel.
func (c *SyncController) ensureConnected(s *session) {
	if s.push.State() == ChannelDisconnected && !s.closed() {
		c.connect(s)
	}
}

// ── Goroutines ───────────────────────────────────────────

func (c *SyncController) loop(s *session) error {
	for {
		select {
		case <-s.ctx.Done():
			// The caller's context ended the session.
			c.end(s)
			return nil
		case item := <-s.inbox:
			events, err := c.apply(s, item)
			for _, ev := range events {
				c.emit(ev.event, ev.payload)
			}
			if err != nil {
				c.end(s)
				return err
			}
		}
	}
}

func (c *SyncController) poll(s *session) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			s.post(refetchItem{reason: "poll"})
		}
	}
}

func (c *SyncController) fetchSnapshot(s *session) {
	go func() {
		convs, err := c.backend.FetchSnapshot(s.ctx, c.query)
		s.post(snapshotItem{convs: convs, err: err})
	}()
}

// ── Application ──────────────────────────────────────────

// apply runs one inbox item to completion. A non-nil error ends the session.
func (c *SyncController) apply(s *session, item inboxItem) ([]emitted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return nil, nil
	}

	var out []emitted
	switch it := item.(type) {
	case frameItem:
		out = c.applyFrame(s, it.raw)
	case refetchItem:
		out = c.requestFetch(s, it.reason)
	case snapshotItem:
		return c.applySnapshot(s, it)
	case channelItem:
		out = c.applyChannel(s, it)
	}
	return out, nil
}

func (c *SyncController) applyFrame(s *session, raw []byte) []emitted {
	ev := DecodeEvent(raw)
	switch act := Route(ev, s.store).(type) {
	case AppendMessage:
		if !s.store.ApplyAppend(act.ConversationID, act.Message) {
			return nil
		}
		out := []emitted{{EventStoreChanged, StoreChange{Reason: "append", ConversationID: act.ConversationID}}}
		return append(out, c.attentionChange(s)...)
	case Refetch:
		return c.requestFetch(s, act.Reason)
	case Ignore:
		c.log.Debug("push event ignored", "session", s.id, "update", ev.Update(), "reason", act.Reason)
	}
	return nil
}

// requestFetch starts a snapshot fetch, or queues one behind the fetch in
// flight so that bursts of refetch requests cost at most one extra fetch.
func (c *SyncController) requestFetch(s *session, reason string) []emitted {
	if s.fetch == FetchFetching {
		s.refetchPending = true
		return nil
	}
	c.log.Debug("snapshot fetch", "session", s.id, "reason", reason)
	s.fetch = FetchFetching
	c.fetchSnapshot(s)
	return []emitted{{EventFetchState, FetchFetching}}
}

func (c *SyncController) applySnapshot(s *session, it snapshotItem) ([]emitted, error) {
	s.fetch = FetchIdle
	out := []emitted{{EventFetchState, FetchIdle}}

	if it.err != nil {
		out = append(out, emitted{EventSyncError, it.err})
		if errors.Is(it.err, ErrUnauthorized) {
			return out, it.err
		}
		c.log.Warn("snapshot fetch failed", "session", s.id, "error", it.err)
		return append(out, c.followUpFetch(s)...), nil
	}

	s.store.ApplyReconciliation(Reconcile(s.store.List(), it.convs))
	out = append(out, emitted{EventStoreChanged, StoreChange{Reason: "snapshot"}})
	out = append(out, c.attentionChange(s)...)

	if s.selected != "" && !s.store.Has(s.selected) {
		s.selected = ""
		out = append(out, emitted{EventSelectionChanged, ""})
	}
	return append(out, c.followUpFetch(s)...), nil
}

func (c *SyncController) followUpFetch(s *session) []emitted {
	if !s.refetchPending {
		return nil
	}
	s.refetchPending = false
	return c.requestFetch(s, "queued refetch")
}

func (c *SyncController) applyChannel(s *session, it channelItem) []emitted {
	if s.channel == it.state {
		return nil
	}
	s.channel = it.state
	out := []emitted{{EventChannelState, ChannelChange{State: it.state, Err: it.err}}}
	if it.state == ChannelLive {
		// Anything pushed while the channel was down is only in a snapshot.
		if s.wasLive {
			out = append(out, c.requestFetch(s, "channel reconnected")...)
		}
		s.wasLive = true
	}
	return out
}

func (c *SyncController) attentionChange(s *session) []emitted {
	now := s.store.NeedsAttention()
	if now == s.attention {
		return nil
	}
	s.attention = now
	return []emitted{{EventAttentionChanged, now}}
}

// ── Reads ────────────────────────────────────────────────

// Store returns the session's store, or an empty one when stopped.
func (c *SyncController) Store() *ConversationStore {
	if s := c.current(); s != nil {
		return s.store
	}
	return c.idle
}

// Operator returns the identity of the running session.
func (c *SyncController) Operator() (*Operator, bool) {
	if s := c.current(); s != nil {
		return s.operator, true
	}
	return nil, false
}

func (c *SyncController) Running() bool { return c.current() != nil }

func (c *SyncController) ChannelState() ChannelState {
	s := c.current()
	if s == nil {
		return ChannelDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (c *SyncController) FetchState() FetchState {
	s := c.current()
	if s == nil {
		return FetchIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetch
}

// ── Selection ────────────────────────────────────────────

// Select opens a conversation. An id the store does not hold selects none
// and asks for a fresh snapshot. An empty id clears the selection.
func (c *SyncController) Select(conversationID string) {
	s := c.current()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.closed() {
		s.mu.Unlock()
		return
	}
	prev := s.selected
	var out []emitted
	switch {
	case conversationID == "":
		s.selected = ""
	case s.store.Has(conversationID):
		s.selected = conversationID
	default:
		s.selected = ""
		out = c.requestFetch(s, "selected unknown conversation "+conversationID)
	}
	if s.selected != prev {
		out = append(out, emitted{EventSelectionChanged, s.selected})
	}
	s.mu.Unlock()

	for _, ev := range out {
		c.emit(ev.event, ev.payload)
	}
	c.ensureConnected(s)
}

// SelectedID returns the selected conversation id, "" for none.
func (c *SyncController) SelectedID() string {
	s := c.current()
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Selected returns the live state of the selected conversation.
func (c *SyncController) Selected() (Conversation, bool) {
	s := c.current()
	if s == nil {
		return Conversation{}, false
	}
	s.mu.Lock()
	id := s.selected
	s.mu.Unlock()
	if id == "" {
		return Conversation{}, false
	}
	return s.store.Get(id)
}

// ── On-demand sync ───────────────────────────────────────

// Refresh requests a snapshot fetch.
func (c *SyncController) Refresh() error {
	s := c.current()
	if s == nil {
		return ErrNotStarted
	}
	s.post(refetchItem{reason: "refresh"})
	c.ensureConnected(s)
	return nil
}

// Reconnect reopens the push channel if it is down and waits for the dial,
// at most until ctx is done. The connection itself lives as long as the
// session; a dial still running when ctx ends carries on in the background.
func (c *SyncController) Reconnect(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return ErrNotStarted
	}
	if s.push.State() != ChannelDisconnected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.push.Connect(s.ctx) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Mutation intents ─────────────────────────────────────
//
// Intents never touch the store. Their effect shows up through the next
// push event or snapshot.

// Send sends an operator text message.
func (c *SyncController) Send(ctx context.Context, conversationID, text string) error {
	return c.intent(ctx, "send", conversationID, func(ctx context.Context) error {
		return c.backend.SendFile(ctx, conversationID, text, "", nil)
	})
}

// SendFile sends a file with an optional caption.
func (c *SyncController) SendFile(ctx context.Context, conversationID, caption, fileName string, file io.Reader) error {
	return c.intent(ctx, "send", conversationID, func(ctx context.Context) error {
		return c.backend.SendFile(ctx, conversationID, caption, fileName, file)
	})
}

// Resolve marks a conversation as solved.
func (c *SyncController) Resolve(ctx context.Context, conversationID string) error {
	return c.intent(ctx, "resolve", conversationID, func(ctx context.Context) error {
		return c.backend.Resolve(ctx, conversationID)
	})
}

// Transfer routes a conversation to another supervision department.
func (c *SyncController) Transfer(ctx context.Context, conversationID, department string) error {
	return c.intent(ctx, "transfer", conversationID, func(ctx context.Context) error {
		return c.backend.Transfer(ctx, conversationID, department)
	})
}

// TakeOver disables the bot for a conversation.
func (c *SyncController) TakeOver(ctx context.Context, conversationID string) error {
	return c.intent(ctx, "take-over", conversationID, func(ctx context.Context) error {
		return c.backend.TakeOver(ctx, conversationID)
	})
}

func (c *SyncController) intent(ctx context.Context, name, conversationID string, do func(context.Context) error) error {
	s := c.current()
	if s == nil {
		return ErrNotStarted
	}
	c.ensureConnected(s)

	if err := do(ctx); err != nil {
		ierr := &IntentError{Intent: name, ConversationID: conversationID, Err: err}
		c.log.Warn("intent failed", "session", s.id, "intent", name, "conversation", conversationID, "error", err)
		c.emit(EventIntentFailed, ierr)
		if errors.Is(err, ErrUnauthorized) {
			c.end(s)
		}
		return ierr
	}
	return nil
}
