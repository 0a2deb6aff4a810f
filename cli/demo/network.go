package demo

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/chrisbazley/cblibrary/ipc"
	"github.com/chrisbazley/cblibrary/transport"
	"github.com/chrisbazley/cblibrary/transport/redis"
	"github.com/chrisbazley/cblibrary/types"
)

// network connects the demo's tasks and delivers their messages.
type network interface {
	connect(ctx context.Context, name string) (transport.Port, error)
	ownWindow(ctx context.Context, p transport.Port, w types.WindowHandle) error
	disconnect(p transport.Port) error
	// deliver delivers messages until none is left in flight.
	deliver(ctx context.Context) error
	close() error
}

// busNetwork runs every task in process. Deliveries are written to a
// trace when one is wanted.
type busNetwork struct {
	bus *transport.Bus
	enc *ipc.FrameEncoder
	seq uint64
	err error
}

func newBusNetwork(trace io.Writer) *busNetwork {
	n := &busNetwork{bus: transport.NewBus()}
	if trace != nil {
		n.enc = ipc.NewFrameEncoder(trace)
		n.bus.Tap(n.record)
	}
	return n
}

func (n *busNetwork) record(ev transport.Event) {
	if n.err != nil {
		return
	}
	n.seq++
	n.err = n.enc.WriteEnvelope(&ipc.Envelope{
		Seq:     n.seq,
		Mode:    int8(ev.Mode),
		Bounced: ev.Bounced,
		From:    ev.From,
		To:      ev.To,
		Message: ev.Message,
	})
}

func (n *busNetwork) writeHeader(h *ipc.TraceHeader) error {
	if n.enc == nil {
		return nil
	}
	return n.enc.WriteTraceHeader(h)
}

func (n *busNetwork) connect(_ context.Context, name string) (transport.Port, error) {
	return n.bus.Connect(name), nil
}

func (n *busNetwork) ownWindow(_ context.Context, p transport.Port, w types.WindowHandle) error {
	n.bus.SetWindowOwner(w, p.Task())
	return nil
}

func (n *busNetwork) disconnect(p transport.Port) error {
	if bp, ok := p.(*transport.BusPort); ok {
		return bp.Close()
	}
	return nil
}

func (n *busNetwork) deliver(context.Context) error {
	n.bus.Run(0)
	return n.err
}

func (n *busNetwork) close() error {
	return nil
}

// redisIdle is how long a redis port may stay quiet before delivery is
// considered finished.
const redisIdle = 200 * time.Millisecond

// redisNetwork runs the tasks over Redis pub/sub.
type redisNetwork struct {
	net   *redis.Network
	ports []*redis.Port
}

func newRedisNetwork(cfg redis.Config) (*redisNetwork, error) {
	n, err := redis.New(cfg)
	if err != nil {
		return nil, err
	}
	return &redisNetwork{net: n}, nil
}

func (n *redisNetwork) connect(ctx context.Context, name string) (transport.Port, error) {
	p, err := n.net.Connect(ctx, name)
	if err != nil {
		return nil, err
	}
	n.ports = append(n.ports, p)
	return p, nil
}

func (n *redisNetwork) ownWindow(ctx context.Context, p transport.Port, w types.WindowHandle) error {
	rp, ok := p.(*redis.Port)
	if !ok {
		return errors.New("port is not on this network")
	}
	return rp.SetWindowOwner(ctx, w)
}

func (n *redisNetwork) disconnect(p transport.Port) error {
	for i, rp := range n.ports {
		if transport.Port(rp) == p {
			n.ports = append(n.ports[:i], n.ports[i+1:]...)
			return rp.Close()
		}
	}
	return nil
}

func (n *redisNetwork) deliver(ctx context.Context) error {
	for {
		progressed := false
		for _, p := range n.ports {
			got, err := p.PollWait(ctx, redisIdle)
			if err != nil && !isSkippable(err) {
				return err
			}
			progressed = progressed || got
		}
		if !progressed {
			return nil
		}
	}
}

func isSkippable(err error) bool {
	var fe *ipc.FrameError
	return errors.As(err, &fe) && !fe.IsFatal()
}

func (n *redisNetwork) close() error {
	var errs []error
	for _, p := range n.ports {
		errs = append(errs, p.Close())
	}
	errs = append(errs, n.net.Close())
	return errors.Join(errs...)
}
