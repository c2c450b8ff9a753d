package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/quillsearch/quill/internal/indexer"
	"github.com/quillsearch/quill/internal/quillerr"
)

// Options configures a scheduler.
type Options struct {
	// DataDir is the deployment root: tasks/, indexes/, update_files/,
	// snapshots/, dumps/ live under it.
	DataDir string
	// SnapshotInterval triggers periodic snapshot tasks. Zero disables.
	SnapshotInterval time.Duration
	// IndexerConfig is handed to the indexing pipeline.
	IndexerConfig indexer.Config
	// AutoCreateIndexes lets document and settings tasks create their
	// target index on first reference.
	AutoCreateIndexes bool
}

// Scheduler is the process-wide task queue and its single processor thread.
type Scheduler struct {
	opts     Options
	store    *taskStore
	registry *IndexRegistry
	lock     *flock.Flock

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	cancelSet map[uint32]struct{}
	// cancelCurrent aborts the batch being processed right now.
	cancelCurrent context.CancelFunc
	running       bool
}

// New opens the scheduler state under opts.DataDir and recovers any tasks
// left mid-flight by a crash. The data directory is flock'd: one engine per
// deployment.
func New(opts Options) (*Scheduler, error) {
	for _, sub := range []string{"tasks", "indexes", "update_files", "snapshots", "dumps"} {
		if err := os.MkdirAll(filepath.Join(opts.DataDir, sub), 0o755); err != nil {
			return nil, err
		}
	}

	lock := flock.New(filepath.Join(opts.DataDir, ".quill.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is already in use", opts.DataDir)
	}

	store, err := openTaskStore(filepath.Join(opts.DataDir, "tasks"))
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	registry, err := NewIndexRegistry(filepath.Join(opts.DataDir, "indexes"))
	if err != nil {
		_ = store.Close()
		_ = lock.Unlock()
		return nil, err
	}

	s := &Scheduler{
		opts:      opts,
		store:     store,
		registry:  registry,
		lock:      lock,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		cancelSet: make(map[uint32]struct{}),
	}
	if err := s.recover(); err != nil {
		s.closeState()
		return nil, err
	}
	return s, nil
}

// recover moves tasks stranded in Processing back to Enqueued. Document
// additions are transactional, so replay is safe; settings, deletions and
// clears are idempotent.
func (s *Scheduler) recover() error {
	stranded, err := s.store.list(Filter{Statuses: []Status{StatusProcessing}})
	if err != nil {
		return err
	}
	for i := range stranded {
		task := &stranded[i]
		slog.Warn("task_recovered",
			slog.Uint64("uid", uint64(task.UID)),
			slog.String("kind", string(task.Kind)))
		if err := s.store.transition(task, StatusEnqueued); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the processor thread.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.loop()
}

// Stop halts the processor and closes all state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.mu.Unlock()
	if running {
		close(s.stop)
		<-s.done
	}
	s.closeState()
}

func (s *Scheduler) closeState() {
	s.registry.Close()
	_ = s.store.Close()
	_ = s.lock.Unlock()
}

// Registry exposes the index registry for read paths.
func (s *Scheduler) Registry() *IndexRegistry { return s.registry }

// Submit enqueues a task and wakes the processor.
func (s *Scheduler) Submit(kind Kind, indexUID string, payload Payload) (Task, error) {
	if indexUID != "" {
		if err := validateTaskIndexUID(indexUID); err != nil {
			return Task{}, err
		}
	}
	task, err := s.store.enqueue(Task{Kind: kind, IndexUID: indexUID, Payload: payload})
	if err != nil {
		return Task{}, err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task, nil
}

func validateTaskIndexUID(uid string) error {
	return indexUIDCheck(uid)
}

// GetTask returns one task by uid.
func (s *Scheduler) GetTask(uid uint32) (*Task, error) { return s.store.get(uid) }

// ListTasks returns tasks matching the filter, in uid order.
func (s *Scheduler) ListTasks(filter Filter) ([]Task, error) { return s.store.list(filter) }

// ListBatches returns every batch record.
func (s *Scheduler) ListBatches() ([]Batch, error) { return s.store.batches() }

// IsIndexing reports whether a task targeting uid is processing right now.
// Feeds the index stats surface.
func (s *Scheduler) IsIndexing(uid string) (bool, error) {
	processing, err := s.store.list(Filter{Statuses: []Status{StatusProcessing}, IndexUID: uid})
	if err != nil {
		return false, err
	}
	return len(processing) > 0, nil
}

// WaitForTask blocks until the task reaches a terminal state or the context
// expires. Test and CLI helper.
func (s *Scheduler) WaitForTask(ctx context.Context, uid uint32) (*Task, error) {
	for {
		task, err := s.store.get(uid)
		if err != nil {
			return nil, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// loop is the processor thread: one batch per iteration, yielding at batch
// boundaries for cancellation and the snapshot ticker.
func (s *Scheduler) loop() {
	defer close(s.done)

	var snapshotC <-chan time.Time
	if s.opts.SnapshotInterval > 0 {
		ticker := time.NewTicker(s.opts.SnapshotInterval)
		defer ticker.Stop()
		snapshotC = ticker.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-snapshotC:
			if _, err := s.Submit(KindSnapshotCreation, "", Payload{}); err != nil {
				slog.Error("snapshot_schedule_failed", slog.String("error", err.Error()))
			}
		case <-s.wake:
		case <-time.After(time.Second):
		}

		for {
			select {
			case <-s.stop:
				return
			default:
			}
			processed, err := s.processOneBatch()
			if err != nil {
				slog.Error("batch_processing_failed", slog.String("error", err.Error()))
			}
			if !processed {
				break
			}
		}
	}
}

// processOneBatch plans and runs the next batch. Returns false when the
// queue is drained.
func (s *Scheduler) processOneBatch() (processed bool, err error) {
	enqueued, err := s.store.list(Filter{Statuses: []Status{StatusEnqueued}})
	if err != nil {
		return false, err
	}
	if len(enqueued) == 0 {
		return false, nil
	}

	plan := planBatch(enqueued)
	if len(plan) == 0 {
		return false, nil
	}

	// Honour cancellations requested before processing started.
	remaining := plan[:0]
	for _, task := range plan {
		if s.consumeCancel(task.UID) {
			t := task
			s.markCanceled(&t)
			continue
		}
		remaining = append(remaining, task)
	}
	if len(remaining) == 0 {
		return true, nil
	}

	uids := make([]uint32, 0, len(remaining))
	for _, t := range remaining {
		uids = append(uids, t.UID)
	}
	batch, err := s.store.newBatch(remaining[0].IndexUID, uids)
	if err != nil {
		return false, err
	}

	defer func() {
		// Panics during processing are caught at the batch boundary; the
		// scheduler stays live.
		if r := recover(); r != nil {
			err = fmt.Errorf("process batch panicked: %v", r)
			for i := range remaining {
				s.markFailed(&remaining[i], quillerr.New(quillerr.CodeInternal,
					"an internal error occurred while processing the batch"))
			}
			s.finishBatch(batch, remaining)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelCurrent = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancelCurrent = nil
		s.mu.Unlock()
	}()

	for i := range remaining {
		if err := s.store.transition(&remaining[i], StatusProcessing); err != nil {
			return false, err
		}
		remaining[i].BatchUID = &batch.UID
	}

	s.executeBatch(ctx, batch, remaining)
	s.finishBatch(batch, remaining)
	return true, nil
}

func (s *Scheduler) consumeCancel(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancelSet[uid]; ok {
		delete(s.cancelSet, uid)
		return true
	}
	return false
}

func (s *Scheduler) markCanceled(task *Task) {
	task.Error = &TaskError{
		Message: "the task was canceled",
		Code:    quillerr.CodeAbortedTask,
		Type:    string(quillerr.CategoryInvalidRequest),
		Link:    quillerr.DocURL(quillerr.CodeAbortedTask),
	}
	if err := s.store.transition(task, StatusCanceled); err != nil {
		slog.Error("task_cancel_persist_failed", slog.Uint64("uid", uint64(task.UID)))
	}
}

func (s *Scheduler) markFailed(task *Task, cause error) {
	code := quillerr.CodeOf(cause)
	task.Error = &TaskError{
		Message: cause.Error(),
		Code:    code,
		Type:    string(quillerr.CategoryFromCode(code)),
		Link:    quillerr.DocURL(code),
	}
	if err := s.store.transition(task, StatusFailed); err != nil {
		slog.Error("task_fail_persist_failed", slog.Uint64("uid", uint64(task.UID)))
	}
}

func (s *Scheduler) markSucceeded(task *Task) {
	if err := s.store.transition(task, StatusSucceeded); err != nil {
		slog.Error("task_success_persist_failed", slog.Uint64("uid", uint64(task.UID)))
	}
}

func (s *Scheduler) finishBatch(batch *Batch, tasks []Task) {
	now := time.Now().UTC()
	batch.FinishedAt = &now
	for i := range tasks {
		switch tasks[i].Status {
		case StatusSucceeded:
			batch.Stats.Succeeded++
		case StatusFailed:
			batch.Stats.Failed++
		case StatusCanceled:
			batch.Stats.Canceled++
		}
	}
	if err := s.store.putBatch(batch); err != nil {
		slog.Error("batch_persist_failed", slog.Uint64("uid", uint64(batch.UID)))
	}
}

// Cancel requests cancellation of the given task uids. Enqueued tasks are
// canceled before their batch starts; the currently running batch is
// aborted when it contains one of them.
func (s *Scheduler) Cancel(uids []uint32) error {
	s.mu.Lock()
	for _, uid := range uids {
		s.cancelSet[uid] = struct{}{}
	}
	cancelCurrent := s.cancelCurrent
	s.mu.Unlock()

	processing, err := s.store.list(Filter{Statuses: []Status{StatusProcessing}})
	if err != nil {
		return err
	}
	for _, task := range processing {
		for _, uid := range uids {
			if task.UID == uid && cancelCurrent != nil {
				cancelCurrent()
			}
		}
	}
	return nil
}
