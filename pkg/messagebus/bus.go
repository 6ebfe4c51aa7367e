// Package messagebus is the channel between the host and the engine worker.
// Every message gets exactly one reply or an error.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

const queueSize = 1000

var (
	ErrClosed   = errors.New("messagebus: closed")
	ErrBadReply = errors.New("messagebus: reply does not match message")
)

// Handler processes messages on the worker side.
type Handler interface {
	Handle(ctx context.Context, msg Message) (Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (Reply, error) {
	return f(ctx, msg)
}

type envelope struct {
	from  string
	msg   Message
	reply chan result
}

type result struct {
	reply Reply
	err   error
}

type Bus struct {
	queue  chan envelope
	closed chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// New creates a bus. The global zerolog logger is used if logger is nil.
func New(logger *zerolog.Logger) *Bus {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Bus{
		queue:  make(chan envelope, queueSize),
		closed: make(chan struct{}),
		log:    l.With().Str("component", "messagebus").Logger(),
	}
}

// Send delivers msg and waits for its reply.
func (b *Bus) Send(ctx context.Context, from string, msg Message) (Reply, error) {
	if msg == nil {
		return nil, errors.New("messagebus: nil message")
	}
	env := envelope{from: from, msg: msg, reply: make(chan result, 1)}
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case b.queue <- env:
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-env.reply:
		return res.reply, res.err
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve handles messages one at a time until ctx is done or the bus is closed.
func (b *Bus) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return ErrClosed
		case env := <-b.queue:
			env.reply <- b.handle(ctx, h, env)
		}
	}
}

func (b *Bus) handle(ctx context.Context, h Handler, env envelope) (res result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("from", env.from).Msgf("Handler panicked on %T", env.msg)
			res = result{err: fmt.Errorf("messagebus: handler panic: %v", r)}
		}
	}()
	b.log.Trace().Str("from", env.from).Msgf("Handling %T", env.msg)
	reply, err := h.Handle(ctx, env.msg)
	if err != nil {
		return result{err: err}
	}
	if !replyMatches(env.msg, reply) {
		return result{err: fmt.Errorf("%w: %T for %T", ErrBadReply, reply, env.msg)}
	}
	return result{reply: reply}
}

// Close stops the bus. Pending and future Sends fail with ErrClosed.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}
