package navcache

import (
	"context"
	"fmt"

	"github.com/always-cache/navcache/pkg/messagebus"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"
)

// worker answers bus messages on behalf of the engine.
type worker struct {
	e *Engine
}

func (w worker) Handle(ctx context.Context, msg messagebus.Message) (messagebus.Reply, error) {
	switch m := msg.(type) {
	case messagebus.EnqueueSync:
		id, err := w.e.Enqueue(ctx, syncqueue.Task{
			Action:      m.Action,
			Payload:     m.Payload,
			Headers:     m.Headers,
			Independent: m.Independent,
		})
		if err != nil {
			return nil, err
		}
		return messagebus.SyncEnqueued{TaskID: id}, nil
	case messagebus.FlushSync:
		result, err := w.e.Flush(ctx)
		if err != nil {
			return nil, err
		}
		return syncFlushed(result), nil
	case messagebus.ConnectivityRestored:
		result, err := w.e.ConnectivityRestored(ctx)
		if err != nil {
			return nil, err
		}
		return syncFlushed(result), nil
	case messagebus.CancelSync:
		if err := w.e.Cancel(ctx, m.TaskID); err != nil {
			return nil, err
		}
		return messagebus.SyncCancelled{TaskID: m.TaskID}, nil
	case messagebus.Navigated:
		return messagebus.DirectivesIssued{Directives: w.e.Navigate(ctx, m.From, m.To)}, nil
	case messagebus.NetworkChanged:
		w.e.SetNetwork(ctx, m.Network)
		return messagebus.Ack{}, nil
	case messagebus.Invalidate:
		if _, err := w.e.Invalidate(ctx, m.URL); err != nil {
			return nil, err
		}
		return messagebus.Ack{}, nil
	}
	return nil, fmt.Errorf("navcache: unhandled message %T", msg)
}

func syncFlushed(r syncqueue.FlushResult) messagebus.SyncFlushed {
	return messagebus.SyncFlushed{
		Replayed: r.Replayed,
		Retrying: r.Retrying,
		Deferred: r.Deferred,
		Failed:   len(r.Failed),
	}
}
