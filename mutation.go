package navcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	cacheupdate "github.com/always-cache/navcache/pkg/cache-update"
	"github.com/always-cache/navcache/pkg/report"
	syncqueue "github.com/always-cache/navcache/pkg/sync-queue"
	"github.com/always-cache/navcache/rfc9111"
	"github.com/always-cache/navcache/rfc9211"

	"github.com/rs/xid"
)

const (
	// SyncTaskHeader carries the id of the task a mutation was queued as.
	SyncTaskHeader = "Navcache-Sync-Task"
	// SyncIndependentHeader marks a mutation that may be replayed in
	// parallel with other independent mutations.
	SyncIndependentHeader = "Navcache-Sync-Independent"
	IdempotencyKeyHeader  = "Idempotency-Key"

	maxMutationBody = 10 << 20
)

var (
	ErrReplayRejected = errors.New("navcache: replay rejected by origin")
	ErrBodyTooLarge   = errors.New("navcache: mutation body too large")
)

// replayHeaders are kept with a queued mutation.
var replayHeaders = []string{
	"Accept",
	"Authorization",
	"Content-Encoding",
	"Content-Language",
	"Content-Type",
	"If-Match",
	"If-Unmodified-Since",
}

// mutate sends an unsafe request to the network. Stored responses it affects
// are invalidated; if the network is unreachable the mutation is queued.
func (m *Manager) mutate(rq *request) *http.Response {
	rq.cs.Forward(rfc9211.FwdMethod)
	body, err := readBody(rq.r)
	if err != nil {
		return m.offline(rq, err)
	}
	// the live attempt and any replay share one key, so an origin that
	// applied the live attempt can drop the replay
	taskID := xid.New().String()
	ctx, cancel := rq.timeoutContext(rq.ctx)
	req := m.forwardRequest(ctx, rq.r, body)
	if req.Header.Get(IdempotencyKeyHeader) == "" {
		req.Header.Set(IdempotencyKeyHeader, taskID)
	}
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		cancel()
		if rq.ctx.Err() != nil {
			// the client went away, nobody is waiting for the result
			return m.offline(rq, err)
		}
		return m.deferMutation(rq, req, body, taskID, err)
	}
	rq.cs.ForwardStatus(res.StatusCode)
	m.report(rq, report.CacheMiss, nil)
	m.afterMutation(rq.ctx, req, res)
	return cancelOnClose(res, cancel)
}

// deferMutation queues the mutation and answers 202 Accepted.
func (m *Manager) deferMutation(rq *request, req *http.Request, body []byte, id string, cause error) *http.Response {
	if m.queue == nil {
		return m.offline(rq, cause)
	}
	task := syncqueue.Task{
		ID:          id,
		Action:      syncqueue.Action(req.Method, req.URL.String()),
		Payload:     body,
		Headers:     make(map[string]string),
		Independent: rq.r.Header.Get(SyncIndependentHeader) != "",
	}
	for _, name := range replayHeaders {
		if value := rq.r.Header.Get(name); value != "" {
			task.Headers[name] = value
		}
	}
	task.Headers[IdempotencyKeyHeader] = req.Header.Get(IdempotencyKeyHeader)
	id, err := m.queue.EnqueueTask(context.WithoutCancel(rq.ctx), task)
	if err != nil {
		rq.log.Error().Err(err).Msg("Could not queue mutation")
		return m.offline(rq, errors.Join(cause, err))
	}
	rq.log.Info().Err(cause).Str("task", id).Msg("Network unavailable, mutation queued")
	rq.cs.Detail("sync-queued")
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set(SyncTaskHeader, id)
	return newResponse(rq.r, http.StatusAccepted, header, []byte("queued"))
}

// Replay sends a queued mutation with the Idempotency-Key of its first
// attempt, or the task id when it has none, so the origin can drop
// duplicates. Any response other than 2xx is an error.
func (m *Manager) Replay(ctx context.Context, task syncqueue.Task) error {
	method, target, err := syncqueue.ParseAction(task.Action)
	if err != nil {
		return err
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("replay %s: %w", task.Action, err)
	}
	if m.keyer.Base != nil {
		u = m.keyer.Base.ResolveReference(u)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(task.Payload))
	if err != nil {
		return fmt.Errorf("replay %s: %w", task.Action, err)
	}
	for name, value := range task.Headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get(IdempotencyKeyHeader) == "" {
		req.Header.Set(IdempotencyKeyHeader, task.ID)
	}

	m.log.Debug().Str("task", task.ID).Str("action", task.Action).Int("attempts", task.Attempts).Msg("Replaying mutation")
	res, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("replay %s: %w", task.Action, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("replay %s: %w: status %d", task.Action, ErrReplayRejected, res.StatusCode)
	}
	m.afterMutation(ctx, req, res)
	return nil
}

// Invalidate drops the stored GET responses for rawURL from all partitions.
func (m *Manager) Invalidate(ctx context.Context, rawURL string) (int, error) {
	key, err := m.keyer.URLKey(rawURL)
	if err != nil {
		return 0, err
	}
	n, err := m.store.Invalidate(ctx, key)
	if n > 0 {
		m.log.Trace().Str("key", key).Int("removed", n).Msg("Invalidated stored response")
	}
	return n, err
}

// afterMutation applies the effects of a successful mutation to the cache:
// the affected URIs are invalidated and Cache-Update targets refreshed.
func (m *Manager) afterMutation(ctx context.Context, req *http.Request, res *http.Response) {
	ctx = context.WithoutCancel(ctx)
	for _, uri := range rfc9111.GetInvalidateURIs(req, res) {
		if _, err := m.Invalidate(ctx, uri); err != nil {
			m.log.Warn().Err(err).Str("uri", uri).Msg("Could not invalidate stored response")
		}
	}
	for _, update := range cacheupdate.GetCacheUpdates(req, res) {
		m.log.Trace().Str("update", update.URL).Dur("delay", update.Delay).Msg("Updating cache based on header")
		if _, err := m.Invalidate(ctx, update.URL); err != nil {
			m.log.Warn().Err(err).Str("uri", update.URL).Msg("Could not invalidate stored response")
		}
		m.scheduleRefresh(ctx, update)
	}
}

func (m *Manager) scheduleRefresh(ctx context.Context, update cacheupdate.CacheUpdate) {
	if update.Delay <= 0 {
		m.refresh(ctx, update.URL)
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		timer := time.NewTimer(update.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.refresh(ctx, update.URL)
		case <-m.stop:
		}
	}()
}

// refresh fetches rawURL into the partition of its class.
func (m *Manager) refresh(ctx context.Context, rawURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		m.log.Error().Err(err).Str("url", rawURL).Msg("Could not create request for update")
		return
	}
	rq := m.newRequest(ctx, req)
	if rq.strategy == NetworkOnly {
		return
	}
	if _, err := m.fetchAndStore(rq); err != nil {
		rq.log.Warn().Err(err).Msg("Could not save update")
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMutationBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) > maxMutationBody {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
