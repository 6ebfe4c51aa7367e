package messagebus

import (
	"github.com/always-cache/navcache/pkg/speculation"
)

// Message is a request from the host to the engine. The set is closed:
// only the types in this file implement it.
type Message interface {
	isMessage()
}

// Reply is the engine's answer to a Message.
type Reply interface {
	isReply()
}

// EnqueueSync queues an offline mutation. Reply: SyncEnqueued.
type EnqueueSync struct {
	Action      string
	Payload     []byte
	Headers     map[string]string
	Independent bool
}

// FlushSync replays due sync tasks. Reply: SyncFlushed.
type FlushSync struct{}

// CancelSync removes a sync task. Reply: SyncCancelled.
type CancelSync struct {
	TaskID string
}

// Navigated reports a page transition. Reply: DirectivesIssued.
type Navigated struct {
	From string
	To   string
}

// ConnectivityRestored reports that the network is back. Reply: SyncFlushed.
type ConnectivityRestored struct{}

// NetworkChanged reports new connection info. Reply: Ack.
type NetworkChanged struct {
	Network speculation.NetworkInfo
}

// Invalidate drops the stored responses for a URL. Reply: Ack.
type Invalidate struct {
	URL string
}

func (EnqueueSync) isMessage()          {}
func (FlushSync) isMessage()            {}
func (CancelSync) isMessage()           {}
func (Navigated) isMessage()            {}
func (ConnectivityRestored) isMessage() {}
func (NetworkChanged) isMessage()       {}
func (Invalidate) isMessage()           {}

type SyncEnqueued struct {
	TaskID string
}

type SyncFlushed struct {
	Replayed int
	Retrying int
	Deferred int
	Failed   int
}

type SyncCancelled struct {
	TaskID string
}

type DirectivesIssued struct {
	Directives []speculation.Directive
}

type Ack struct{}

func (SyncEnqueued) isReply()     {}
func (SyncFlushed) isReply()      {}
func (SyncCancelled) isReply()    {}
func (DirectivesIssued) isReply() {}
func (Ack) isReply()              {}

// replyMatches enforces the reply contract of each message.
func replyMatches(msg Message, reply Reply) bool {
	switch msg.(type) {
	case EnqueueSync:
		_, ok := reply.(SyncEnqueued)
		return ok
	case FlushSync, ConnectivityRestored:
		_, ok := reply.(SyncFlushed)
		return ok
	case CancelSync:
		_, ok := reply.(SyncCancelled)
		return ok
	case Navigated:
		_, ok := reply.(DirectivesIssued)
		return ok
	case NetworkChanged, Invalidate:
		_, ok := reply.(Ack)
		return ok
	}
	return false
}
