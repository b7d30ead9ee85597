// Package transport owns the single realtime connection of the process.
//
// A Transport dials the notification endpoint, classifies every inbound
// frame and fans the results out to chat and notification listeners. It
// reconnects with exponential backoff after unprompted closes, but only
// while somebody is listening and the user is still authenticated.
//
// States:
//
//	Disconnected --Connect--> Connecting --open--> Connected
//	Connecting/Connected --close/fail--> ReconnectWait (or Disconnected)
//	ReconnectWait --timer--> Connecting
//	any --Disconnect--> Disconnected
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/lazerchat/internal/clock"
	"github.com/lalith-99/lazerchat/internal/fanout"
	"github.com/lalith-99/lazerchat/internal/frame"
	"github.com/lalith-99/lazerchat/internal/models"
	"github.com/lalith-99/lazerchat/internal/observ"
	"github.com/lalith-99/lazerchat/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated   = errors.New("transport: not authenticated")
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	ErrClosed             = errors.New("transport: closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWait:
		return "reconnect_wait"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is a snapshot of the connection.
type Status struct {
	State    State
	Err      error
	Attempts int
	Session  string
}

func (s Status) Connected() bool { return s.State == StateConnected }

// Credentials is what the transport needs from the token store.
type Credentials interface {
	AccessToken() (string, error)
	UserID() int64
	Authenticated() bool
}

type Options struct {
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int
	// ConnectThrottle is the minimum gap between two connects requested
	// through Connect. Scheduled reconnects and Foreground ignore it.
	ConnectThrottle time.Duration
	ReplayBuffer    int
	DialTimeout     time.Duration

	// BaseURL resolves relative socket endpoints.
	BaseURL *url.URL

	Dialer     Dialer
	Clock      clock.Clock
	Classifier *frame.Classifier
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.ConnectThrottle < 0 {
		o.ConnectThrottle = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 15 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real
	}
	if o.Classifier == nil {
		o.Classifier = frame.NewClassifier(nil, o.Clock.Now)
	}
	return o
}

type Transport struct {
	opts      Options
	logger    *zap.Logger
	endpoints repository.NotificationRepository
	creds     Credentials

	messages      *fanout.Hub[models.ChatMessage]
	notifications *fanout.Hub[models.Notification]

	stateMu   sync.Mutex
	stateSubs map[uint64]*stateSub
	stateSeq  uint64
	gaugeSeq  uint64

	writeMu sync.Mutex

	mu          sync.Mutex
	emitted     uint64
	state       State
	conn        Conn
	gen         uint64
	attempts    int
	lastErr     error
	timer       clock.Timer
	lastConnect time.Time
	endpoint    string
	session     string
}

// New builds an idle transport. Nothing is dialled until Connect.
func New(endpoints repository.NotificationRepository, creds Credentials, opts Options) *Transport {
	opts = opts.withDefaults()
	logger := observ.Component(opts.Logger, "transport")
	return &Transport{
		opts:          opts,
		logger:        logger,
		endpoints:     endpoints,
		creds:         creds,
		messages:      fanout.New[models.ChatMessage]("chat", opts.ReplayBuffer, logger),
		notifications: fanout.New[models.Notification]("notifications", opts.ReplayBuffer, logger),
		stateSubs:     make(map[uint64]*stateSub),
	}
}

// Status returns the current connection snapshot.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Transport) statusLocked() Status {
	return Status{State: t.state, Err: t.lastErr, Attempts: t.attempts, Session: t.session}
}

// SubscribeMessages registers a chat listener. Messages buffered while no
// chat listener existed are delivered before it returns.
func (t *Transport) SubscribeMessages(fn func(models.ChatMessage)) (unsubscribe func()) {
	return t.track(t.messages.Subscribe(fn))
}

// SubscribeNotifications registers a notification listener.
func (t *Transport) SubscribeNotifications(fn func(models.Notification)) (unsubscribe func()) {
	return t.track(t.notifications.Subscribe(fn))
}

// track wraps an unsubscribe so that removing the last listener closes the
// connection.
func (t *Transport) track(unsub func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			if t.listeners() == 0 {
				t.teardown("no listeners", false)
			}
		})
	}
}

func (t *Transport) listeners() int {
	return t.messages.Len() + t.notifications.Len()
}

// stateSub remembers the newest snapshot a listener has seen, so a slower
// emitter holding an older snapshot cannot step it backwards.
type stateSub struct {
	fn   func(Status)
	seen uint64
}

// SubscribeState registers fn for connection status changes. fn is called
// once immediately with the current status, and after that sees every
// status in the order the transitions happened. A status may be skipped
// when a newer one has already been delivered; the last one never is.
// fn runs under the subscription lock, so it must not call back into
// SubscribeState or change the connection itself.
func (t *Transport) SubscribeState(fn func(Status)) (unsubscribe func()) {
	t.stateMu.Lock()
	t.stateSeq++
	id := t.stateSeq
	seq, st := t.snapshot()
	t.stateSubs[id] = &stateSub{fn: fn, seen: seq}
	fn(st)
	t.stateMu.Unlock()

	return func() {
		t.stateMu.Lock()
		delete(t.stateSubs, id)
		t.stateMu.Unlock()
	}
}

// snapshot numbers the current status. Numbers follow the order of the
// transitions because they are taken under t.mu.
func (t *Transport) snapshot() (uint64, Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted++
	return t.emitted, t.statusLocked()
}

// emitState must be called without t.mu held.
func (t *Transport) emitState() {
	seq, st := t.snapshot()

	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if seq > t.gaugeSeq {
		t.gaugeSeq = seq
		observ.ConnectionState.Set(float64(st.State))
	}
	for _, sub := range t.stateSubs {
		if seq <= sub.seen {
			continue
		}
		sub.seen = seq
		sub.fn(st)
	}
}

// Connect opens the connection. It is a no-op while a connection is being
// established or is open, and while the previous Connect was less than
// ConnectThrottle ago.
func (t *Transport) Connect(ctx context.Context) error {
	return t.connect(ctx, true)
}

// Foreground reports that the host regained focus. While disconnected and
// authenticated it resets backoff and connects immediately.
func (t *Transport) Foreground(ctx context.Context) error {
	return t.resume(ctx, "foreground")
}

// Reconnect is the manual retry, used after reconnection gave up.
func (t *Transport) Reconnect(ctx context.Context) error {
	return t.resume(ctx, "manual")
}

func (t *Transport) resume(ctx context.Context, reason string) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.attempts = 0
	if t.state == StateReconnectWait {
		t.state = StateDisconnected
	}
	t.mu.Unlock()

	t.logger.Info("resuming connection", zap.String("reason", reason))
	return t.connect(ctx, false)
}

func (t *Transport) connect(ctx context.Context, throttled bool) error {
	if !t.creds.Authenticated() {
		return ErrNotAuthenticated
	}

	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	now := t.opts.Clock.Now()
	if throttled && !t.lastConnect.IsZero() && now.Sub(t.lastConnect) < t.opts.ConnectThrottle {
		t.mu.Unlock()
		t.logger.Debug("connect throttled")
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = StateConnecting
	t.lastConnect = now
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.emitState()

	conn, err := t.dial(ctx)

	t.mu.Lock()
	if gen != t.gen {
		// Disconnect ran while we were dialling.
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		t.state = StateDisconnected
		t.lastErr = err
		t.logger.Warn("connect failed", zap.Error(err), zap.Int("attempt", t.attempts))
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		t.emitState()
		return err
	}
	t.conn = conn
	t.state = StateConnected
	t.attempts = 0
	t.lastErr = nil
	t.session = uuid.NewString()
	session := t.session
	t.mu.Unlock()

	t.logger.Info("connected", zap.String("session", session))
	if err := t.write(conn, frame.Control{Event: frame.EventChatStart}); err != nil {
		t.logger.Warn("send chat.start failed", zap.Error(err))
	}
	go t.readLoop(conn, gen)
	t.emitState()
	return nil
}

func (t *Transport) dial(ctx context.Context) (Conn, error) {
	endpoint, err := t.resolveEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	token, err := t.creds.AccessToken()
	if err != nil {
		return nil, ErrNotAuthenticated
	}
	target, err := SocketURL(t.opts.BaseURL, endpoint, token)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	return t.opts.Dialer.Dial(dctx, target)
}

// resolveEndpoint returns the socket endpoint, asking the notifications API
// only the first time.
func (t *Transport) resolveEndpoint(ctx context.Context) (string, error) {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint != "" {
		return endpoint, nil
	}

	list, err := t.endpoints.List(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch notification endpoint: %w", err)
	}
	if list.NotificationEndpoint == "" {
		return "", errors.New("fetch notification endpoint: empty endpoint")
	}

	t.mu.Lock()
	t.endpoint = list.NotificationEndpoint
	t.mu.Unlock()
	return list.NotificationEndpoint, nil
}

// scheduleReconnectLocked arms the backoff timer after an unprompted close.
// Callers hold t.mu.
func (t *Transport) scheduleReconnectLocked() {
	if t.listeners() == 0 {
		t.logger.Debug("not reconnecting: no listeners")
		return
	}
	if !t.creds.Authenticated() {
		t.logger.Debug("not reconnecting: not authenticated")
		return
	}
	if t.attempts >= t.opts.ReconnectMaxAttempts {
		t.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, t.attempts, t.lastErr)
		t.logger.Error("giving up on reconnect", zap.Int("attempts", t.attempts))
		return
	}

	delay := t.opts.ReconnectBase << t.attempts
	t.attempts++
	t.state = StateReconnectWait
	gen := t.gen
	t.timer = t.opts.Clock.AfterFunc(delay, func() { t.reconnectFired(gen) })
	observ.ReconnectsScheduled.Inc()
	t.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", t.attempts))
}

func (t *Transport) reconnectFired(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateReconnectWait {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if err := t.connect(context.Background(), false); err != nil {
		t.logger.Debug("scheduled reconnect failed", zap.Error(err))
	}
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		t.handleFrame(data)
	}
}

// handleFrame runs to completion before the next frame is read, so
// listeners see frames in arrival order.
func (t *Transport) handleFrame(data []byte) {
	observ.FramesReceived.Inc()

	res, err := t.opts.Classifier.Classify(data, t.creds.UserID())
	if err != nil {
		observ.FramesMalformed.Inc()
		t.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if res.SelfDropped > 0 {
		observ.SelfOriginDropped.Add(float64(res.SelfDropped))
		t.logger.Debug("dropped self-originated records", zap.Int("count", res.SelfDropped))
	}
	if res.Skipped > 0 {
		observ.RecordsSkipped.Add(float64(res.Skipped))
		t.logger.Warn("skipped unreadable records in frame", zap.Int("count", res.Skipped), zap.Int("delivered", len(res.Messages)))
	}
	if res.Err != "" {
		t.mu.Lock()
		t.lastErr = errors.New(res.Err)
		t.mu.Unlock()
		t.logger.Warn("server reported error", zap.String("error", res.Err))
		t.emitState()
	}

	for _, m := range res.Messages {
		t.messages.Publish(m)
	}
	if res.Notification != nil {
		t.notifications.Publish(*res.Notification)
	}
}

func (t *Transport) handleClose(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	t.session = ""
	t.lastErr = err
	t.logger.Warn("connection closed", zap.Error(err))
	t.scheduleReconnectLocked()
	t.mu.Unlock()
	t.emitState()
}

// Disconnect closes the connection, cancels any pending reconnect and forgets
// the cached endpoint. It never reconnects by itself and is safe to call
// repeatedly.
func (t *Transport) Disconnect() {
	t.teardown("disconnect", true)
}

func (t *Transport) teardown(reason string, forgetEndpoint bool) {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn := t.conn
	changed := t.state != StateDisconnected
	t.conn = nil
	t.state = StateDisconnected
	t.session = ""
	t.attempts = 0
	t.lastConnect = time.Time{}
	if forgetEndpoint {
		t.endpoint = ""
	}
	t.mu.Unlock()

	if conn != nil {
		if t.creds.Authenticated() {
			if err := t.write(conn, frame.Control{Event: frame.EventChatEnd}); err != nil {
				t.logger.Debug("send chat.end failed", zap.Error(err))
			}
		}
		conn.Close()
	}
	if changed {
		t.logger.Info("disconnected", zap.String("reason", reason))
		t.emitState()
	}
}

func (t *Transport) write(conn Conn, v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}
