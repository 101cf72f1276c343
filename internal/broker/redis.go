package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/logger"
	"github.com/hsn0918/enterprise-kb/internal/redis"
)

// RedisBroker dispatches tasks over Redis lists so workers can run in
// separate processes. Task records live in Redis with a TTL; chords use
// atomic counters for completion accounting.
type RedisBroker struct {
	opts  Options
	redis *redis.Client

	mu       sync.Mutex
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc

	wg   sync.WaitGroup
	stop context.CancelFunc
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *redis.Client, opts Options) *RedisBroker {
	return &RedisBroker{
		opts:     opts.withDefaults(),
		redis:    client,
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func queueKey(name string) string      { return "queue:" + name }
func processingKey(name string) string { return "queue:" + name + ":processing" }
func recordKey(id string) string       { return "taskrec:" + id }
func cancelKey(id string) string       { return "taskcancel:" + id }
func chordKey(id, f string) string     { return "chord:" + id + ":" + f }
func groupKey(id string) string        { return "group:" + id }

func (b *RedisBroker) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *RedisBroker) Submit(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Queue == "" {
		task.Queue = QueueDefault
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = b.opts.MaxRetries
	}
	task.EnqueuedAt = time.Now().UTC()

	rec := &Record{TaskID: task.ID, State: StateQueued, Attempts: task.Attempts, UpdatedAt: task.EnqueuedAt}
	if err := b.redis.SetJSON(ctx, recordKey(task.ID), rec, b.opts.ResultTTL); err != nil {
		return "", fmt.Errorf("failed to write task record: %w", err)
	}

	data, err := sonic.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := b.redis.LPush(ctx, queueKey(task.Queue), string(data)); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

func (b *RedisBroker) Group(ctx context.Context, tasks []*Task) (string, error) {
	groupID := uuid.NewString()
	fields := make(map[string]string, len(tasks))
	for _, task := range tasks {
		task.GroupID = groupID
		id, err := b.Submit(ctx, task)
		if err != nil {
			return "", err
		}
		fields[id] = "1"
	}
	if err := b.redis.SetHash(ctx, groupKey(groupID), fields, b.opts.ResultTTL); err != nil {
		return "", fmt.Errorf("failed to record group: %w", err)
	}
	return groupID, nil
}

// Chain submits tasks sequentially; each link starts only after the
// previous one succeeds. The submitting process drives the chain.
func (b *RedisBroker) Chain(ctx context.Context, tasks []*Task) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("%w: empty chain", ErrUnknownTask)
	}
	for _, task := range tasks {
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		rec := &Record{TaskID: task.ID, State: StateQueued}
		if err := b.writeRecord(ctx, rec); err != nil {
			return "", err
		}
	}

	finalID := tasks[len(tasks)-1].ID
	chainCtx := context.WithoutCancel(ctx)
	linkTimeout := b.opts.TaskTimeLimit*time.Duration(b.opts.MaxRetries+1) + time.Minute

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for i, task := range tasks {
			if _, err := b.Submit(chainCtx, task); err != nil {
				logger.Get().Error("chain submit failed", zap.String("task_id", task.ID), zap.Error(err))
				return
			}
			rec, err := b.Wait(chainCtx, task.ID, linkTimeout)
			if err != nil || rec.State != StateSucceeded {
				for _, rest := range tasks[i+1:] {
					_ = b.writeRecord(chainCtx, &Record{
						TaskID: rest.ID, State: StateFailed, Error: ErrGroupIncomplete.Error(),
					})
				}
				return
			}
		}
	}()
	return finalID, nil
}

// Chord submits the group and runs callback once every member has
// succeeded. A pre-set callback GroupID fixes the chord id so callers
// can record it before anything is enqueued.
func (b *RedisBroker) Chord(ctx context.Context, tasks []*Task, callback *Task) (string, error) {
	chordID := callback.GroupID
	if chordID == "" {
		chordID = uuid.NewString()
	}
	if callback.ID == "" {
		callback.ID = uuid.NewString()
	}
	callbackJSON, err := sonic.Marshal(callback)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chord callback: %w", err)
	}
	if err := b.redis.Set(ctx, chordKey(chordID, "callback"), string(callbackJSON), b.opts.ResultTTL); err != nil {
		return "", fmt.Errorf("failed to store chord callback: %w", err)
	}
	if err := b.writeRecord(ctx, &Record{TaskID: callback.ID, State: StateQueued}); err != nil {
		return "", err
	}
	if err := b.redis.Set(ctx, chordKey(chordID, "remaining"), strconv.Itoa(len(tasks)), b.opts.ResultTTL); err != nil {
		return "", fmt.Errorf("failed to store chord counter: %w", err)
	}

	fields := make(map[string]string, len(tasks))
	for _, task := range tasks {
		task.ChordID = chordID
		task.GroupID = chordID
		id, err := b.Submit(ctx, task)
		if err != nil {
			return "", err
		}
		fields[id] = "1"
	}
	if err := b.redis.SetHash(ctx, groupKey(chordID), fields, b.opts.ResultTTL); err != nil {
		return "", fmt.Errorf("failed to record chord group: %w", err)
	}
	return chordID, nil
}

func (b *RedisBroker) Record(ctx context.Context, taskID string) (*Record, error) {
	var rec Record
	if err := b.redis.GetJSON(ctx, recordKey(taskID), &rec); err != nil {
		return nil, fmt.Errorf("failed to load task record: %w", err)
	}
	if rec.TaskID == "" {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &rec, nil
}

func (b *RedisBroker) Cancel(ctx context.Context, taskID string) error {
	rec, err := b.Record(ctx, taskID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDone, taskID, rec.State)
	}
	if err := b.redis.Set(ctx, cancelKey(taskID), "1", b.opts.ResultTTL); err != nil {
		return fmt.Errorf("failed to flag cancellation: %w", err)
	}

	// A task running in this process can be interrupted directly.
	b.mu.Lock()
	if cancel, ok := b.cancels[taskID]; ok {
		cancel()
	}
	b.mu.Unlock()

	if rec.State == StateQueued || rec.State == StateRetrying {
		return b.writeRecord(ctx, &Record{TaskID: taskID, State: StateCanceled, Attempts: rec.Attempts})
	}
	return b.writeRecord(ctx, &Record{TaskID: taskID, State: StateCanceling, Attempts: rec.Attempts})
}

func (b *RedisBroker) Wait(ctx context.Context, taskID string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := b.Record(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, fmt.Errorf("%w: %s", ErrWaitTimeout, taskID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) Start(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.stop = cancel
	b.mu.Unlock()

	b.reclaim(ctx)
	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(runCtx)
		}()
	}
	logger.Get().Info("redis broker started", zap.Int("concurrency", concurrency))
	return nil
}

// reclaim pushes tasks parked in processing lists back onto their
// queues. Entries survive there only when a worker died mid-task, so a
// restart re-delivers them; handlers are retry-safe, which makes the
// resulting at-least-once delivery acceptable.
func (b *RedisBroker) reclaim(ctx context.Context) {
	for _, q := range AllQueues {
		for {
			raw, err := b.redis.LMove(ctx, processingKey(q), queueKey(q))
			if err != nil {
				logger.Get().Error("failed to reclaim queue", zap.String("queue", q), zap.Error(err))
				break
			}
			if raw == "" {
				break
			}
			logger.Get().Warn("reclaimed orphaned task", zap.String("queue", q))
		}
	}
}

func (b *RedisBroker) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		queue, raw := b.reserve(ctx)
		if raw == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		var task Task
		if err := sonic.Unmarshal([]byte(raw), &task); err != nil {
			logger.Get().Error("dropping malformed task", zap.Error(err))
			b.ack(ctx, queue, raw)
			continue
		}
		b.execute(ctx, &task)
		b.ack(ctx, queue, raw)
	}
}

// reserve scans the queues in priority order and moves one task into
// the queue's processing list, so a worker crash cannot lose it.
func (b *RedisBroker) reserve(ctx context.Context) (string, string) {
	for _, q := range AllQueues {
		raw, err := b.redis.LMove(ctx, queueKey(q), processingKey(q))
		if err != nil {
			if ctx.Err() == nil {
				logger.Get().Error("queue poll failed", zap.String("queue", q), zap.Error(err))
			}
			return "", ""
		}
		if raw != "" {
			return q, raw
		}
	}
	return "", ""
}

// ack drops the reserved entry once the task's outcome is recorded.
func (b *RedisBroker) ack(ctx context.Context, queue, raw string) {
	if err := b.redis.LRem(ctx, processingKey(queue), raw); err != nil {
		logger.Get().Error("failed to ack task", zap.String("queue", queue), zap.Error(err))
	}
}

func (b *RedisBroker) execute(ctx context.Context, task *Task) {
	if flagged, err := b.redis.Exists(ctx, cancelKey(task.ID)); err == nil && flagged {
		_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateCanceled, Attempts: task.Attempts})
		b.settleChord(ctx, task, false)
		return
	}

	b.mu.Lock()
	handler, ok := b.handlers[task.Name]
	b.mu.Unlock()
	if !ok {
		_ = b.writeRecord(ctx, &Record{
			TaskID: task.ID, State: StateFailed, Attempts: task.Attempts,
			Error: fmt.Sprintf("%v: %s", ErrNoHandler, task.Name),
		})
		b.settleChord(ctx, task, false)
		return
	}

	task.Attempts++
	_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateRunning, Attempts: task.Attempts})

	// Soft limit cancels the handler context; the hard limit in invoke
	// abandons a handler that ignores it.
	taskCtx, cancel := context.WithTimeout(ctx, b.opts.TaskSoftTimeLimit)
	b.mu.Lock()
	b.cancels[task.ID] = cancel
	b.mu.Unlock()

	result, err := invoke(taskCtx, handler, task, b.opts.TaskTimeLimit)
	cancel()
	b.mu.Lock()
	delete(b.cancels, task.ID)
	b.mu.Unlock()

	flagged, _ := b.redis.Exists(ctx, cancelKey(task.ID))
	switch {
	case err == nil:
		_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateSucceeded, Attempts: task.Attempts, Result: result})
		b.settleChord(ctx, task, true)
	case flagged:
		_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateCanceled, Attempts: task.Attempts, Error: err.Error()})
		b.settleChord(ctx, task, false)
	case task.Attempts <= task.MaxRetries && !IsPermanent(err):
		_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateRetrying, Attempts: task.Attempts, Error: err.Error()})
		b.requeueLater(ctx, task)
	default:
		logger.Get().Error("task failed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		_ = b.writeRecord(ctx, &Record{TaskID: task.ID, State: StateFailed, Attempts: task.Attempts, Error: err.Error()})
		b.settleChord(ctx, task, false)
	}
}

func (b *RedisBroker) requeueLater(ctx context.Context, task *Task) {
	delay := retryDelay(task.Attempts - 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		data, err := sonic.Marshal(task)
		if err != nil {
			logger.Get().Error("failed to marshal retry", zap.Error(err))
			return
		}
		if err := b.redis.LPush(ctx, queueKey(task.Queue), string(data)); err != nil {
			logger.Get().Error("failed to requeue task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()
}

// settleChord decrements the chord counter atomically; the worker that
// reaches zero enqueues the callback. Any member failure marks the
// chord failed and the callback is recorded failed instead of running.
func (b *RedisBroker) settleChord(ctx context.Context, task *Task, succeeded bool) {
	if task.ChordID == "" {
		return
	}
	if !succeeded {
		if err := b.redis.Set(ctx, chordKey(task.ChordID, "failed"), "1", b.opts.ResultTTL); err != nil {
			logger.Get().Error("failed to mark chord failure", zap.Error(err))
		}
	}
	remaining, err := b.redis.Decr(ctx, chordKey(task.ChordID, "remaining"))
	if err != nil {
		logger.Get().Error("failed to settle chord", zap.String("chord_id", task.ChordID), zap.Error(err))
		return
	}
	if remaining != 0 {
		return
	}

	raw, err := b.redis.Get(ctx, chordKey(task.ChordID, "callback"))
	if err != nil || raw == "" {
		logger.Get().Error("chord callback missing", zap.String("chord_id", task.ChordID), zap.Error(err))
		return
	}
	var callback Task
	if err := sonic.Unmarshal([]byte(raw), &callback); err != nil {
		logger.Get().Error("chord callback malformed", zap.Error(err))
		return
	}

	if failed, _ := b.redis.Exists(ctx, chordKey(task.ChordID, "failed")); failed {
		_ = b.writeRecord(ctx, &Record{TaskID: callback.ID, State: StateFailed, Error: ErrGroupIncomplete.Error()})
		return
	}
	callback.GroupID = task.ChordID
	if _, err := b.Submit(ctx, &callback); err != nil {
		logger.Get().Error("failed to enqueue chord callback", zap.Error(err))
	}
}

// GroupRecords returns the records of every task in a group.
func (b *RedisBroker) GroupRecords(ctx context.Context, groupID string) ([]*Record, error) {
	members, err := b.redis.GetHash(ctx, groupKey(groupID))
	if err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: group %s", ErrTaskNotFound, groupID)
	}
	records := make([]*Record, 0, len(members))
	for id := range members {
		rec, err := b.Record(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *RedisBroker) writeRecord(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	return b.redis.SetJSON(ctx, recordKey(rec.TaskID), rec, b.opts.ResultTTL)
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	stop := b.stop
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	b.wg.Wait()
	return nil
}
