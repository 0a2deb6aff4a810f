// Package redis implements the message transport over Redis pub/sub, so
// tasks in separate processes can exchange data-transfer messages.
//
// Each task subscribes to its own channel and to a shared broadcast
// channel. Messages travel as msgpack envelopes. Task handles and message
// references are allocated with INCR so they are unique across the whole
// network, and window ownership lives in a hash.
//
// A recorded message bounces when its recipient finishes handling it
// without replying, or at once when nobody is subscribed to the
// destination channel. For a recorded broadcast every subscriber sees the
// message; the last one to finish handling it publishes the bounce if
// nobody answered.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chrisbazley/cblibrary/ipc"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/types"
)

// DefaultPrefix is the default key and channel prefix.
const DefaultPrefix = "cblib"

// DefaultTimeout is the default per-command timeout.
const DefaultTimeout = 5 * time.Second

// bookkeepingTTL bounds the lifetime of broadcast bounce bookkeeping keys.
const bookkeepingTTL = time.Minute

// Config configures the Redis transport.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces keys and channels (default: cblib).
	Prefix string
	// Timeout is the per-command timeout (default 5s).
	Timeout time.Duration
}

// Network is a connection to the Redis server shared by the ports of one
// process.
type Network struct {
	config Config
	client *goredis.Client
}

// New creates a Network from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Network, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Network{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Close releases the connection. Ports must be closed first.
func (n *Network) Close() error {
	return n.client.Close()
}

func (n *Network) key(parts ...string) string {
	k := n.config.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (n *Network) taskChannel(t types.TaskHandle) string {
	return n.key("task", strconv.Itoa(int(t)))
}

func (n *Network) broadcastChannel() string {
	return n.key("broadcast")
}

// Connect allocates a task handle and subscribes a new port to its
// channels. The subscriptions are confirmed before Connect returns, so
// messages sent afterwards are not lost.
func (n *Network) Connect(ctx context.Context, name string) (*Port, error) {
	cctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	id, err := n.client.Incr(cctx, n.key("tasks")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: allocate task handle: %w", err)
	}
	task := types.TaskHandle(id)

	sub := n.client.Subscribe(cctx, n.taskChannel(task), n.broadcastChannel())
	for confirmed := 0; confirmed < 2; {
		msg, err := sub.Receive(cctx)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("redis: subscribe: %w", err)
		}
		if _, ok := msg.(*goredis.Subscription); ok {
			confirmed++
		}
	}

	return &Port{net: n, task: task, name: name, sub: sub}, nil
}

// Port is a task's connection to a Network. Like every transport it is
// driven from one goroutine: handlers run inside Poll.
type Port struct {
	net    *Network
	task   types.TaskHandle
	name   string
	router transport.Router
	sub    *goredis.PubSub

	// Bounces generated locally because nobody was subscribed.
	local []*ipc.Envelope

	inflight types.Ref
	answered bool
}

var _ transport.Port = (*Port)(nil)

// Task implements transport.Port.
func (p *Port) Task() types.TaskHandle { return p.task }

// Name returns the name the task connected with.
func (p *Port) Name() string { return p.name }

// Handle implements transport.Port.
func (p *Port) Handle(action types.Action, h transport.Handler) transport.HandlerID {
	return p.router.Handle(action, h)
}

// HandleBounce implements transport.Port.
func (p *Port) HandleBounce(action types.Action, h transport.Handler) transport.HandlerID {
	return p.router.HandleBounce(action, h)
}

// Remove implements transport.Port.
func (p *Port) Remove(id transport.HandlerID) {
	p.router.Remove(id)
}

// SetWindowOwner records that this task owns window w.
func (p *Port) SetWindowOwner(ctx context.Context, w types.WindowHandle) error {
	cctx, cancel := context.WithTimeout(ctx, p.net.config.Timeout)
	defer cancel()
	return p.net.client.HSet(cctx, p.net.key("windows"), strconv.Itoa(int(w)), int64(p.task)).Err()
}

func (p *Port) resolve(ctx context.Context, dest transport.Destination) (types.TaskHandle, error) {
	switch {
	case dest.Window != 0:
		v, err := p.net.client.HGet(ctx, p.net.key("windows"), strconv.Itoa(int(dest.Window))).Int64()
		if errors.Is(err, goredis.Nil) {
			return 0, fmt.Errorf("window %d: %w", dest.Window, transport.ErrNoSuchTask)
		}
		if err != nil {
			return 0, err
		}
		return types.TaskHandle(v), nil
	default:
		return dest.Task, nil
	}
}

// Send implements transport.Port. Network errors are returned as transport
// failures.
func (p *Port) Send(mode transport.Mode, msg *types.Message, dest transport.Destination) (types.Ref, error) {
	if msg == nil {
		return 0, transport.SendError(0, errors.New("nil message"))
	}
	if msg.YourRef != 0 && msg.YourRef == p.inflight {
		p.answered = true
	}
	if mode == transport.Acknowledge {
		return msg.YourRef, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.net.config.Timeout)
	defer cancel()

	to, err := p.resolve(ctx, dest)
	if err != nil {
		return 0, transport.SendError(msg.Action, err)
	}
	if err := msg.SetSize(); err != nil {
		return 0, err
	}

	ref, err := p.net.client.Incr(ctx, p.net.key("refs")).Result()
	if err != nil {
		return 0, transport.SendError(msg.Action, err)
	}
	msg.Sender = p.task
	msg.MyRef = types.Ref(ref)

	env := &ipc.Envelope{Mode: int8(mode), From: p.task, To: to, Message: msg.Clone()}
	payload, err := ipc.EncodeEnvelope(env)
	if err != nil {
		return 0, transport.SendError(msg.Action, err)
	}

	channel := p.net.broadcastChannel()
	if to != 0 {
		channel = p.net.taskChannel(to)
	}

	if mode == transport.SendRecorded && to == 0 {
		subs, err := p.net.client.PubSubNumSub(ctx, channel).Result()
		if err != nil {
			return 0, transport.SendError(msg.Action, err)
		}
		if err := p.net.client.Set(ctx, p.bookkeeping("expect", msg.MyRef), subs[channel], bookkeepingTTL).Err(); err != nil {
			return 0, transport.SendError(msg.Action, err)
		}
	}

	receivers, err := p.net.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, transport.SendError(msg.Action, err)
	}
	if receivers == 0 && mode == transport.SendRecorded {
		bounce := *env
		bounce.Bounced = true
		bounce.Message = msg.Clone()
		p.local = append(p.local, &bounce)
	}
	return msg.MyRef, nil
}

func (p *Port) bookkeeping(kind string, ref types.Ref) string {
	return p.net.key(kind, strconv.Itoa(int(ref)))
}

// Poll dispatches one inbound message or bounce, waiting until one arrives
// or ctx is done. Envelopes that fail to decode are returned as
// *ipc.FrameError and may be skipped.
func (p *Port) Poll(ctx context.Context) error {
	_, err := p.poll(ctx, 0)
	return err
}

// PollWait is Poll with a limit on the wait: it reports false, with no
// error, if nothing arrived within wait. An expired wait keeps the
// subscription, whereas a ctx deadline drops it and messages published
// before the next Poll are lost.
func (p *Port) PollWait(ctx context.Context, wait time.Duration) (bool, error) {
	return p.poll(ctx, wait)
}

func (p *Port) poll(ctx context.Context, wait time.Duration) (bool, error) {
	if len(p.local) > 0 {
		env := p.local[0]
		p.local = p.local[1:]
		p.router.Dispatch(env.Message, true)
		return true, nil
	}

	raw, err := p.receive(ctx, wait)
	if err != nil {
		if wait > 0 && isTimeout(err) {
			return false, nil
		}
		return false, fmt.Errorf("redis: receive: %w", err)
	}
	return true, p.dispatch(ctx, raw)
}

func (p *Port) receive(ctx context.Context, wait time.Duration) (*goredis.Message, error) {
	if wait <= 0 {
		return p.sub.ReceiveMessage(ctx)
	}
	for {
		msg, err := p.sub.ReceiveTimeout(ctx, wait)
		if err != nil {
			return nil, err
		}
		if m, ok := msg.(*goredis.Message); ok {
			return m, nil
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (p *Port) dispatch(ctx context.Context, raw *goredis.Message) error {
	env, err := ipc.DecodeEnvelope([]byte(raw.Payload))
	if err != nil {
		return err
	}
	if env.Bounced {
		p.router.Dispatch(env.Message, true)
		return nil
	}
	if transport.Mode(env.Mode) != transport.SendRecorded {
		p.router.Dispatch(env.Message, false)
		return nil
	}

	p.inflight, p.answered = env.Message.MyRef, false
	p.router.Dispatch(env.Message, false)
	answered := p.answered
	p.inflight, p.answered = 0, false

	if env.To != 0 {
		if answered {
			return nil
		}
		return p.bounce(ctx, env)
	}
	return p.settleBroadcast(ctx, env, answered)
}

func (p *Port) bounce(ctx context.Context, env *ipc.Envelope) error {
	b := *env
	b.Bounced = true
	b.To, b.From = env.From, p.task
	payload, err := ipc.EncodeEnvelope(&b)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.net.config.Timeout)
	defer cancel()
	return p.net.client.Publish(cctx, p.net.taskChannel(env.From), payload).Err()
}

// settleBroadcast records this task's handling of a recorded broadcast.
// Answering tasks mark the message answered before counting themselves
// done, so the last task to finish sees every answer.
func (p *Port) settleBroadcast(ctx context.Context, env *ipc.Envelope, answered bool) error {
	cctx, cancel := context.WithTimeout(ctx, p.net.config.Timeout)
	defer cancel()

	ref := env.Message.MyRef
	if answered {
		if err := p.net.client.Set(cctx, p.bookkeeping("answered", ref), 1, bookkeepingTTL).Err(); err != nil {
			return err
		}
	}
	done, err := p.net.client.Incr(cctx, p.bookkeeping("done", ref)).Result()
	if err != nil {
		return err
	}
	p.net.client.Expire(cctx, p.bookkeeping("done", ref), bookkeepingTTL)

	expect, err := p.net.client.Get(cctx, p.bookkeeping("expect", ref)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return err
	}
	if done < expect {
		return nil
	}
	n, err := p.net.client.Exists(cctx, p.bookkeeping("answered", ref)).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return p.bounce(ctx, env)
}

// Close unsubscribes the port and forgets the windows it owned.
func (p *Port) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.net.config.Timeout)
	defer cancel()

	owners, err := p.net.client.HGetAll(ctx, p.net.key("windows")).Result()
	if err == nil {
		for w, t := range owners {
			if t == strconv.Itoa(int(p.task)) {
				p.net.client.HDel(ctx, p.net.key("windows"), w)
			}
		}
	}
	return p.sub.Close()
}
