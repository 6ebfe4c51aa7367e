package messagebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/always-cache/navcache/pkg/speculation"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T, h Handler) *Bus {
	logger := zerolog.Nop()
	b := New(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Serve(ctx, h)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return b
}

func TestSendReceivesReply(t *testing.T) {
	b := newBus(t, HandlerFunc(func(_ context.Context, msg Message) (Reply, error) {
		switch m := msg.(type) {
		case EnqueueSync:
			return SyncEnqueued{TaskID: "task-" + m.Action}, nil
		case Navigated:
			return DirectivesIssued{Directives: []speculation.Directive{{URLs: []string{m.To + "/next"}, Mode: speculation.Prefetch}}}, nil
		}
		return Ack{}, nil
	}))
	ctx := context.Background()

	reply, err := b.Send(ctx, "main", EnqueueSync{Action: "POST /cart"})
	require.NoError(t, err)
	assert.Equal(t, SyncEnqueued{TaskID: "task-POST /cart"}, reply)

	reply, err = b.Send(ctx, "main", Navigated{From: "/", To: "/home"})
	require.NoError(t, err)
	issued, ok := reply.(DirectivesIssued)
	require.True(t, ok)
	assert.Equal(t, []string{"/home/next"}, issued.Directives[0].URLs)

	reply, err = b.Send(ctx, "main", Invalidate{URL: "/x"})
	require.NoError(t, err)
	assert.Equal(t, Ack{}, reply)
}

func TestReplyContract(t *testing.T) {
	b := newBus(t, HandlerFunc(func(context.Context, Message) (Reply, error) {
		return Ack{}, nil
	}))
	_, err := b.Send(context.Background(), "main", FlushSync{})
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestHandlerErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	b := newBus(t, HandlerFunc(func(_ context.Context, msg Message) (Reply, error) {
		if _, ok := msg.(CancelSync); ok {
			panic("unexpected")
		}
		return nil, boom
	}))
	_, err := b.Send(context.Background(), "main", FlushSync{})
	assert.ErrorIs(t, err, boom)

	_, err = b.Send(context.Background(), "main", CancelSync{TaskID: "x"})
	assert.Error(t, err)

	// the worker survives the panic
	_, err = b.Send(context.Background(), "main", FlushSync{})
	assert.ErrorIs(t, err, boom)
}

func TestSendAfterClose(t *testing.T) {
	logger := zerolog.Nop()
	b := New(&logger)
	b.Close()
	b.Close()
	_, err := b.Send(context.Background(), "main", FlushSync{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendContext(t *testing.T) {
	logger := zerolog.Nop()
	// nobody serving
	b := New(&logger)
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Send(ctx, "main", FlushSync{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
