package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hsn0918/enterprise-kb/internal/logger"
)

// Options tunes worker behavior shared by both backends.
type Options struct {
	TaskTimeLimit     time.Duration
	TaskSoftTimeLimit time.Duration
	MaxRetries        int
	ResultTTL         time.Duration
}

func (o Options) withDefaults() Options {
	if o.TaskTimeLimit <= 0 {
		o.TaskTimeLimit = 10 * time.Minute
	}
	if o.TaskSoftTimeLimit <= 0 || o.TaskSoftTimeLimit > o.TaskTimeLimit {
		o.TaskSoftTimeLimit = o.TaskTimeLimit
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 24 * time.Hour
	}
	return o
}

type chordState struct {
	remaining int
	failed    bool
	callback  *Task
}

// MemoryBroker runs tasks on in-process goroutines. It implements the
// full Broker contract and backs tests and single-node deployments.
type MemoryBroker struct {
	opts Options

	mu       sync.Mutex
	handlers map[string]Handler
	records  map[string]*Record
	cancels  map[string]context.CancelFunc
	chords   map[string]*chordState
	chordOf  map[string]string
	groups   map[string][]string

	queue  chan *Task
	closed bool
	wg     sync.WaitGroup
	stop   context.CancelFunc
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
		records:  make(map[string]*Record),
		cancels:  make(map[string]context.CancelFunc),
		chords:   make(map[string]*chordState),
		chordOf:  make(map[string]string),
		groups:   make(map[string][]string),
		queue:    make(chan *Task, 1024),
	}
}

func (b *MemoryBroker) Register(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = handler
}

func (b *MemoryBroker) Submit(ctx context.Context, task *Task) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBrokerClosed
	}
	b.prepare(task)
	b.records[task.ID] = &Record{TaskID: task.ID, State: StateQueued, UpdatedAt: time.Now().UTC()}
	if task.ChordID != "" {
		b.chordOf[task.ID] = task.ChordID
	}
	b.mu.Unlock()

	select {
	case b.queue <- task:
		return task.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBroker) prepare(task *Task) {
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
}

func (b *MemoryBroker) Group(ctx context.Context, tasks []*Task) (string, error) {
	groupID := uuid.NewString()
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		task.GroupID = groupID
		id, err := b.Submit(ctx, task)
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	b.mu.Lock()
	b.groups[groupID] = ids
	b.mu.Unlock()
	return groupID, nil
}

// Chain submits tasks sequentially; each link starts only after the
// previous one succeeds. A failed link fails the rest of the chain.
func (b *MemoryBroker) Chain(ctx context.Context, tasks []*Task) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("%w: empty chain", ErrUnknownTask)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBrokerClosed
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		b.prepare(task)
		b.records[task.ID] = &Record{TaskID: task.ID, State: StateQueued, UpdatedAt: now}
	}
	b.mu.Unlock()

	finalID := tasks[len(tasks)-1].ID
	chainCtx := context.WithoutCancel(ctx)
	linkTimeout := b.opts.TaskTimeLimit*time.Duration(b.opts.MaxRetries+1) + time.Minute

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for i, task := range tasks {
			select {
			case b.queue <- task:
			case <-chainCtx.Done():
				return
			}
			rec, err := b.Wait(chainCtx, task.ID, linkTimeout)
			if err != nil || rec.State != StateSucceeded {
				b.mu.Lock()
				for _, rest := range tasks[i+1:] {
					r := b.records[rest.ID]
					r.State = StateFailed
					r.Error = ErrGroupIncomplete.Error()
					r.UpdatedAt = time.Now().UTC()
				}
				b.mu.Unlock()
				return
			}
		}
	}()
	return finalID, nil
}

// Chord submits the group and runs callback once every member has
// succeeded. A pre-set callback GroupID fixes the chord id so callers
// can record it before anything is enqueued.
func (b *MemoryBroker) Chord(ctx context.Context, tasks []*Task, callback *Task) (string, error) {
	chordID := callback.GroupID
	if chordID == "" {
		chordID = uuid.NewString()
	}
	b.mu.Lock()
	b.prepare(callback)
	// The callback is observable from the moment the chord exists.
	b.records[callback.ID] = &Record{TaskID: callback.ID, State: StateQueued, UpdatedAt: time.Now().UTC()}
	b.chords[chordID] = &chordState{remaining: len(tasks), callback: callback}
	b.mu.Unlock()

	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		task.ChordID = chordID
		task.GroupID = chordID
		id, err := b.Submit(ctx, task)
		if err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	b.mu.Lock()
	b.groups[chordID] = ids
	b.mu.Unlock()
	return chordID, nil
}

func (b *MemoryBroker) Record(ctx context.Context, taskID string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	copied := *rec
	return &copied, nil
}

func (b *MemoryBroker) Cancel(ctx context.Context, taskID string) error {
	b.mu.Lock()
	rec, ok := b.records[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	var settle string
	switch rec.State {
	case StateQueued, StateRetrying:
		rec.State = StateCanceled
		rec.UpdatedAt = time.Now().UTC()
		// A canceled queued member still counts toward its chord, or
		// the callback would wait forever.
		settle = b.chordOf[taskID]
		delete(b.chordOf, taskID)
	case StateRunning:
		rec.State = StateCanceling
		rec.UpdatedAt = time.Now().UTC()
		if cancel, ok := b.cancels[taskID]; ok {
			cancel()
		}
	default:
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyDone, taskID, rec.State)
	}
	b.mu.Unlock()

	if settle != "" {
		b.settleChord(settle, false)
	}
	return nil
}

func (b *MemoryBroker) Wait(ctx context.Context, taskID string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
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

func (b *MemoryBroker) Start(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.stop = cancel
	b.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case task := <-b.queue:
					b.execute(runCtx, task)
				}
			}
		}()
	}
	return nil
}

func (b *MemoryBroker) execute(ctx context.Context, task *Task) {
	b.mu.Lock()
	rec := b.records[task.ID]
	if rec == nil || rec.State.Terminal() {
		b.mu.Unlock()
		return
	}
	handler, ok := b.handlers[task.Name]
	if !ok {
		rec.State = StateFailed
		rec.Error = fmt.Sprintf("%v: %s", ErrNoHandler, task.Name)
		rec.UpdatedAt = time.Now().UTC()
		delete(b.chordOf, task.ID)
		b.mu.Unlock()
		b.settleChord(task.ChordID, false)
		return
	}
	rec.State = StateRunning
	rec.Attempts = task.Attempts + 1
	rec.UpdatedAt = time.Now().UTC()

	// Soft limit cancels the handler context; the hard limit in invoke
	// abandons a handler that ignores it.
	taskCtx, cancel := context.WithTimeout(ctx, b.opts.TaskSoftTimeLimit)
	b.cancels[task.ID] = cancel
	b.mu.Unlock()

	task.Attempts++
	result, err := invoke(taskCtx, handler, task, b.opts.TaskTimeLimit)
	cancel()

	b.mu.Lock()
	delete(b.cancels, task.ID)
	rec = b.records[task.ID]
	canceling := rec.State == StateCanceling
	b.mu.Unlock()

	switch {
	case err == nil:
		b.finish(task, StateSucceeded, result, "")
	case canceling || ctx.Err() != nil:
		b.finish(task, StateCanceled, nil, contextErrMessage(err))
	case task.Attempts <= task.MaxRetries && !IsPermanent(err):
		b.retryLater(ctx, task, err)
	default:
		logger.Get().Error("task failed",
			zap.String("task", task.Name),
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err),
		)
		b.finish(task, StateFailed, nil, err.Error())
	}
}

func contextErrMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (b *MemoryBroker) retryLater(ctx context.Context, task *Task, cause error) {
	b.mu.Lock()
	rec := b.records[task.ID]
	rec.State = StateRetrying
	rec.Error = cause.Error()
	rec.UpdatedAt = time.Now().UTC()
	b.mu.Unlock()

	delay := retryDelay(task.Attempts - 1)
	logger.Get().Warn("task retrying",
		zap.String("task", task.Name),
		zap.String("task_id", task.ID),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			b.mu.Lock()
			canceled := b.records[task.ID].State == StateCanceled
			b.mu.Unlock()
			if canceled {
				return
			}
			select {
			case b.queue <- task:
			case <-ctx.Done():
			}
		}
	}()
}

func (b *MemoryBroker) finish(task *Task, state State, result []byte, errMsg string) {
	b.mu.Lock()
	rec := b.records[task.ID]
	rec.State = state
	rec.Result = result
	rec.Error = errMsg
	rec.UpdatedAt = time.Now().UTC()
	delete(b.chordOf, task.ID)
	b.mu.Unlock()

	b.settleChord(task.ChordID, state == StateSucceeded)
}

// settleChord counts down the chord and enqueues the callback once all
// members succeed. Any failure poisons the chord: the callback never
// runs and its record reports the failure.
func (b *MemoryBroker) settleChord(chordID string, succeeded bool) {
	if chordID == "" {
		return
	}
	b.mu.Lock()
	ch, ok := b.chords[chordID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if !succeeded {
		ch.failed = true
	}
	ch.remaining--
	done := ch.remaining == 0
	var callback *Task
	if done {
		callback = ch.callback
		delete(b.chords, chordID)
	}
	b.mu.Unlock()

	if !done {
		return
	}
	if ch.failed {
		b.mu.Lock()
		b.records[callback.ID] = &Record{
			TaskID:    callback.ID,
			State:     StateFailed,
			Error:     ErrGroupIncomplete.Error(),
			UpdatedAt: time.Now().UTC(),
		}
		b.mu.Unlock()
		return
	}
	callback.GroupID = chordID
	b.mu.Lock()
	b.records[callback.ID] = &Record{TaskID: callback.ID, State: StateQueued, UpdatedAt: time.Now().UTC()}
	b.mu.Unlock()
	b.queue <- callback
}

// GroupRecords returns the records of every task in a group.
func (b *MemoryBroker) GroupRecords(ctx context.Context, groupID string) ([]*Record, error) {
	b.mu.Lock()
	ids, ok := b.groups[groupID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrTaskNotFound, groupID)
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := b.Record(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	stop := b.stop
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
	b.wg.Wait()
	return nil
}
