package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/navcache/cache"
	"github.com/always-cache/navcache/pkg/report"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrFlushInProgress = errors.New("syncqueue: flush already in progress")
	ErrTaskNotFound    = errors.New("syncqueue: task not found")
	ErrInvalidAction   = errors.New("syncqueue: invalid action")
	ErrNoReplayer      = errors.New("syncqueue: no replayer configured")
)

const (
	DefaultPartition   = "sync-queue"
	DefaultMaxAttempts = 5
)

// Replayer sends a task to the network. A nil error means the mutation was
// accepted; anything else counts as a failed attempt.
type Replayer interface {
	Replay(ctx context.Context, task Task) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, task Task) error

func (f ReplayFunc) Replay(ctx context.Context, task Task) error {
	return f(ctx, task)
}

type Config struct {
	// Durable storage for tasks.
	Provider cache.Provider
	// Provider partition for tasks. DefaultPartition if empty.
	Partition string
	Replayer  Replayer
	// Attempts before a task is dropped. DefaultMaxAttempts if zero.
	MaxAttempts int
	Backoff     Backoff
	// Replays per second; zero disables pacing.
	RateLimit float64
	Burst     int
	Reporter  report.Sink
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	Now    func() time.Time
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Attempted int
	Replayed  int
	Retrying  int
	// Tasks not due yet because of backoff.
	Deferred int
	// Tasks dropped after their last attempt.
	Failed []Task
}

// Queue is a durable FIFO of offline mutations.
type Queue struct {
	provider    cache.Provider
	partition   string
	replayer    Replayer
	maxAttempts int
	backoff     Backoff
	limiter     *rate.Limiter
	reporter    report.Sink
	log         zerolog.Logger
	now         func() time.Time

	flushing atomic.Bool

	// guards inflight and cancelled, and every write of a task that was attempted
	mu        sync.Mutex
	inflight  map[string]bool
	cancelled map[string]bool
}

func New(config Config) (*Queue, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("syncqueue: provider is required")
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	q := &Queue{
		provider:    config.Provider,
		partition:   config.Partition,
		replayer:    config.Replayer,
		maxAttempts: config.MaxAttempts,
		backoff:     config.Backoff,
		reporter:    config.Reporter,
		log:         logger.With().Str("component", "syncqueue").Logger(),
		now:         config.Now,
		inflight:    make(map[string]bool),
		cancelled:   make(map[string]bool),
	}
	if q.partition == "" {
		q.partition = DefaultPartition
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.reporter == nil {
		q.reporter = report.Nop{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return q, nil
}

// Enqueue persists a new task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, action string, payload []byte) (string, error) {
	return q.EnqueueTask(ctx, Task{Action: action, Payload: payload})
}

// EnqueueTask persists the task, under a fresh id unless it already has one.
// The task is durable once EnqueueTask returns without error.
func (q *Queue) EnqueueTask(ctx context.Context, task Task) (string, error) {
	method, url, err := ParseAction(task.Action)
	if err != nil {
		return "", err
	}
	task.Action = Action(method, url)
	if task.ID == "" {
		task.ID = xid.New().String()
	}
	task.CreatedAt = q.now()
	task.Attempts = 0
	task.NextAttemptAt = time.Time{}
	task.LastError = ""
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.maxAttempts
	}
	if err := q.save(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", task.Action, err)
	}
	q.log.Debug().Str("task", task.ID).Str("action", task.Action).Msg("Queued mutation")
	q.reporter.Report(report.Event{Kind: report.SyncEnqueued, Time: task.CreatedAt, TaskID: task.ID, Action: task.Action})
	return task.ID, nil
}

// Get returns a pending task.
func (q *Queue) Get(ctx context.Context, id string) (Task, error) {
	value, ok, err := q.provider.Get(ctx, q.partition, id)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	var task Task
	if err := json.Unmarshal(value, &task); err != nil {
		return Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// Pending returns all tasks in replay order: createdAt, then id.
func (q *Queue) Pending(ctx context.Context) ([]Task, error) {
	ids := make([]string, 0)
	if err := q.provider.Keys(ctx, q.partition, func(key string) {
		ids = append(ids, key)
	}); err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			q.log.Warn().Err(err).Str("task", id).Msg("Skipping unreadable task")
			continue
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Cancel removes a task. A task that is being replayed may still reach the
// network, but it is never retried.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok, err := q.provider.Get(ctx, q.partition, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := q.provider.Delete(ctx, q.partition, id); err != nil {
		return err
	}
	if q.inflight[id] {
		q.cancelled[id] = true
	}
	q.log.Debug().Str("task", id).Msg("Cancelled task")
	q.reporter.Report(report.Event{Kind: report.SyncCancelled, Time: q.now(), TaskID: id})
	return nil
}

// Flush replays the tasks that are due, in order.
// Only one flush runs at a time; a concurrent call returns ErrFlushInProgress.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	return q.flush(ctx, false)
}

// FlushAll replays every task, ignoring backoff. Used when connectivity comes back.
func (q *Queue) FlushAll(ctx context.Context) (FlushResult, error) {
	return q.flush(ctx, true)
}

// Flushing reports whether a flush pass is running.
func (q *Queue) Flushing() bool {
	return q.flushing.Load()
}

func (q *Queue) flush(ctx context.Context, force bool) (FlushResult, error) {
	var result FlushResult
	if q.replayer == nil {
		return result, ErrNoReplayer
	}
	if !q.flushing.CompareAndSwap(false, true) {
		return result, ErrFlushInProgress
	}
	defer q.flushing.Store(false)

	tasks, err := q.Pending(ctx)
	if err != nil {
		return result, err
	}
	now := q.now()
	due := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if force || task.due(now) {
			due = append(due, task)
		} else {
			result.Deferred++
		}
	}
	if len(due) == 0 {
		return result, nil
	}
	q.log.Debug().Int("due", len(due)).Int("deferred", result.Deferred).Msg("Flushing sync queue")

	var resultMu sync.Mutex
	for _, batch := range batches(due) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(batch) == 1 {
			q.attempt(ctx, batch[0], &result, &resultMu)
			continue
		}
		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			go func(task Task) {
				defer wg.Done()
				q.attempt(ctx, task, &result, &resultMu)
			}(task)
		}
		wg.Wait()
	}
	q.log.Info().
		Int("replayed", result.Replayed).
		Int("retrying", result.Retrying).
		Int("failed", len(result.Failed)).
		Msg("Flushed sync queue")
	return result, ctx.Err()
}

// batches groups runs of consecutive independent tasks; every other task is
// a batch of its own.
func batches(tasks []Task) [][]Task {
	out := make([][]Task, 0, len(tasks))
	for i := 0; i < len(tasks); {
		j := i + 1
		if tasks[i].Independent {
			for j < len(tasks) && tasks[j].Independent {
				j++
			}
		}
		out = append(out, tasks[i:j])
		i = j
	}
	return out
}

func (q *Queue) attempt(ctx context.Context, task Task, result *FlushResult, resultMu *sync.Mutex) {
	q.mu.Lock()
	// the task may have been cancelled since the pass started
	if _, ok, err := q.provider.Get(ctx, q.partition, task.ID); err != nil || !ok {
		q.mu.Unlock()
		return
	}
	q.inflight[task.ID] = true
	q.mu.Unlock()

	var err error
	if q.limiter != nil {
		err = q.limiter.Wait(ctx)
	}
	if err == nil {
		err = q.replayer.Replay(ctx, task)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, task.ID)
	cancelled := q.cancelled[task.ID]
	delete(q.cancelled, task.ID)

	resultMu.Lock()
	defer resultMu.Unlock()
	if ctx.Err() != nil && err != nil {
		// interrupted by the caller, not a failed attempt
		return
	}
	result.Attempted++
	if err == nil {
		if !cancelled {
			if derr := q.provider.Delete(ctx, q.partition, task.ID); derr != nil {
				q.log.Error().Err(derr).Str("task", task.ID).Msg("Could not remove replayed task")
			}
		}
		result.Replayed++
		q.log.Debug().Str("task", task.ID).Str("action", task.Action).Msg("Replayed task")
		q.reporter.Report(report.Event{Kind: report.SyncReplayed, Time: q.now(), TaskID: task.ID, Action: task.Action, Attempts: task.Attempts + 1})
		return
	}

	task.Attempts++
	task.LastError = err.Error()
	if cancelled {
		return
	}
	if task.Attempts >= task.MaxAttempts {
		if derr := q.provider.Delete(ctx, q.partition, task.ID); derr != nil {
			q.log.Error().Err(derr).Str("task", task.ID).Msg("Could not remove failed task")
		}
		result.Failed = append(result.Failed, task)
		q.log.Error().Err(err).Str("task", task.ID).Str("action", task.Action).Int("attempts", task.Attempts).Msg("Giving up on task")
		q.reporter.Report(report.Event{Kind: report.SyncPermanentFailure, Time: q.now(), TaskID: task.ID, Action: task.Action, Attempts: task.Attempts, Err: err})
		return
	}
	task.NextAttemptAt = q.now().Add(q.backoff.Delay(task.Attempts))
	if serr := q.save(ctx, task); serr != nil {
		q.log.Error().Err(serr).Str("task", task.ID).Msg("Could not persist task attempt")
	}
	result.Retrying++
	q.log.Warn().Err(err).Str("task", task.ID).Int("attempts", task.Attempts).Time("next", task.NextAttemptAt).Msg("Replay failed")
	q.reporter.Report(report.Event{Kind: report.SyncRetry, Time: q.now(), TaskID: task.ID, Action: task.Action, Attempts: task.Attempts, Err: err})
}

func (q *Queue) save(ctx context.Context, task Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.provider.Put(ctx, q.partition, task.ID, value)
}
