// Package ws implements the reconnecting websocket channels used for
// signaling, audio relay and transcription.
package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/salescall/internal/core"
	"github.com/dkeye/salescall/internal/domain"
	"github.com/dkeye/salescall/internal/metrics"
	"github.com/dkeye/salescall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

var (
	ErrNotOpen = errors.New("channel not open")
	ErrClosed  = errors.New("channel closed")
)

const writeWait = 5 * time.Second

type Options struct {
	Name string
	URL  string
	// RegisterLanguage adds the identity language to register frames.
	RegisterLanguage bool

	PingPeriod       time.Duration
	ReadLimit        int64
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SendBuffer       int

	Dialer  *websocket.Dialer
	Metrics *metrics.Metrics
}

func (o *Options) defaults() {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type outbound struct {
	data     []byte
	register bool
}

// Channel is one logical endpoint that survives socket drops.
// Control messages are never lost while the channel lives; binary frames
// are only ever sent on an open socket.
type Channel struct {
	opts Options
	log  zerolog.Logger

	state    atomic.Int32
	listener core.ChannelListener

	mu       sync.Mutex
	identity *domain.Identity
	pending  []outbound
	live     *wsConn
	started  bool
	disposed bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ core.Transport = (*Channel)(nil)

func New(opts Options) *Channel {
	opts.defaults()
	c := &Channel{
		opts: opts,
		log:  log.With().Str("module", "ws.channel").Str("channel", opts.Name).Logger(),
		done: make(chan struct{}),
	}
	c.state.Store(int32(core.ChannelConnecting))
	return c
}

func (c *Channel) Name() string { return c.opts.Name }

func (c *Channel) State() core.ChannelState { return core.ChannelState(c.state.Load()) }

func (c *Channel) IsOpen() bool { return c.State() == core.ChannelOpen }

// Open starts the supervisor and returns at once. The listener receives
// every inbound frame and state change until Close.
func (c *Channel) Open(ctx context.Context, listener core.ChannelListener) {
	c.mu.Lock()
	if c.started || c.disposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.listener = listener
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.supervise(ctx)
}

// Close disposes the channel for good.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		started := c.started
		cancel := c.cancel
		c.mu.Unlock()

		if started {
			cancel()
			<-c.done
		}
		c.setState(core.ChannelDisposed)
		c.log.Info().Msg("channel disposed")
	})
}

func (c *Channel) Send(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrClosed
	}
	c.pending = append(c.pending, outbound{data: data})
	c.opts.Metrics.Pending(c.opts.Name, len(c.pending))
	if c.live != nil {
		c.live.Wake()
		return nil
	}
	c.opts.Metrics.QueueControl(c.opts.Name)
	c.log.Debug().Str("event", env.Event).Int("pending", len(c.pending)).Msg("queued until open")
	return nil
}

func (c *Channel) SendBinary(f core.Frame) error {
	c.mu.Lock()
	live := c.live
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrClosed
	}
	if live == nil || !c.IsOpen() {
		c.opts.Metrics.DropBinary(c.opts.Name)
		return ErrNotOpen
	}
	if err := live.TrySendBinary(f); err != nil {
		c.opts.Metrics.DropBinary(c.opts.Name)
		return err
	}
	return nil
}

// Announce sets the identity sent as register on every open.
func (c *Channel) Announce(id *domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == nil {
		c.identity = nil
		return
	}
	cp := *id
	c.identity = &cp
	if c.live != nil {
		c.pending = append(c.pending, c.registerFrame())
		c.live.Wake()
	}
}

func (c *Channel) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = nil
	c.pending = dropRegister(c.pending)
	c.opts.Metrics.Pending(c.opts.Name, len(c.pending))
}

// PendingLen reports queued control messages.
func (c *Channel) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// registerFrame must be called with c.mu held and identity set.
func (c *Channel) registerFrame() outbound {
	data, _ := protocol.Register(*c.identity, c.opts.RegisterLanguage).Marshal()
	return outbound{data: data, register: true}
}

func (c *Channel) setState(s core.ChannelState) {
	if core.ChannelState(c.state.Swap(int32(s))) == s {
		return
	}
	c.opts.Metrics.ChannelState(c.opts.Name, s.String())
	c.log.Info().Str("state", s.String()).Msg("channel state")
	if c.listener != nil {
		c.listener.OnState(c.opts.Name, s)
	}
}

func (c *Channel) supervise(ctx context.Context) {
	defer close(c.done)
	opened := false
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		if opened {
			c.opts.Metrics.Reconnect(c.opts.Name)
		}
		opened = true
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.setState(core.ChannelClosed)
		c.setState(core.ChannelConnecting)
	}
}

// dial retries with a fresh backoff, so the delay resets after every open.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(c.opts.ReconnectInitial)
	b = retry.WithCappedDuration(c.opts.ReconnectMax, b)
	b = retry.WithJitterPercent(20, b)

	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			return retry.RetryableError(err)
		}
		conn = ws
		return nil
	})
	return conn, err
}

// serve runs both pumps on one socket and returns when it dies.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(c.opts.ReadLimit)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := newWsConn(conn, c.opts.SendBuffer)

	c.mu.Lock()
	c.live = live
	if c.identity != nil {
		c.pending = append([]outbound{c.registerFrame()}, dropRegister(c.pending)...)
	}
	c.mu.Unlock()
	c.setState(core.ChannelOpen)
	live.Wake()

	go func() {
		<-ctx.Done()
		live.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx, live)
	}()
	c.readPump(ctx, live)
	cancel()
	wg.Wait()

	c.mu.Lock()
	c.live = nil
	c.mu.Unlock()
}

// requeue puts frames that never reached the socket back in front.
// Register frames are dropped; a fresh one is built on the next open.
func (c *Channel) requeue(frames []outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(dropRegister(frames), c.pending...)
	c.opts.Metrics.Pending(c.opts.Name, len(c.pending))
}

func (c *Channel) takePending() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.pending
	c.pending = nil
	c.opts.Metrics.Pending(c.opts.Name, 0)
	return batch
}

func dropRegister(frames []outbound) []outbound {
	out := make([]outbound, 0, len(frames))
	for _, f := range frames {
		if !f.register {
			out = append(out, f)
		}
	}
	return out
}
