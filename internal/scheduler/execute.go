package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/dump"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/indexer"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// executeBatch runs one planned batch. Index-content tasks share a single
// write transaction on the target index; a failing task rolls the whole
// transaction back, the offender is marked failed, and recoverable
// neighbours return to the queue for the next cycle.
func (s *Scheduler) executeBatch(ctx context.Context, batch *Batch, tasks []Task) {
	switch tasks[0].Kind {
	case KindTaskCancelation:
		s.execTaskCancelation(&tasks[0])
	case KindTaskDeletion:
		s.execTaskDeletion(&tasks[0])
	case KindIndexCreation:
		s.execIndexCreation(&tasks[0])
	case KindIndexUpdate:
		s.execIndexUpdate(&tasks[0])
	case KindIndexDeletion:
		s.execIndexDeletion(&tasks[0])
	case KindIndexSwap:
		s.execIndexSwap(&tasks[0])
	case KindDumpCreation:
		s.execDump(&tasks[0])
	case KindSnapshotCreation:
		s.execSnapshot(&tasks[0])
	default:
		s.execIndexContent(ctx, batch, tasks)
	}
}

// execIndexContent applies settings and document tasks in one transaction.
func (s *Scheduler) execIndexContent(ctx context.Context, batch *Batch, tasks []Task) {
	uid := tasks[0].IndexUID
	var idx indexHandle
	var err error
	if s.opts.AutoCreateIndexes {
		idx.idx, err = s.registry.GetOrCreate(uid)
	} else {
		idx.idx, err = s.registry.Get(uid)
	}
	if err != nil {
		for i := range tasks {
			s.markFailed(&tasks[i], err)
		}
		return
	}

	failedAt := -1
	var failure error
	err = idx.idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		for i := range tasks {
			if ctx.Err() != nil {
				return quillerr.New(quillerr.CodeAbortedTask, "the task was canceled")
			}
			if taskErr := s.applyTask(ctx, wtxn, &idx, &tasks[i]); taskErr != nil {
				failedAt = i
				failure = taskErr
				return taskErr
			}
		}
		return nil
	})

	if err == nil {
		for i := range tasks {
			s.markSucceeded(&tasks[i])
		}
		batch.Stats.IndexedDocuments += idx.indexed
		batch.Stats.DeletedDocuments += idx.deleted
		return
	}

	if quillerr.CodeOf(err) == quillerr.CodeAbortedTask {
		for i := range tasks {
			s.markCanceled(&tasks[i])
		}
		return
	}

	if failedAt >= 0 && quillerr.IsUserError(failure) {
		// The offender fails; the rest of the batch retries individually in
		// later cycles.
		s.markFailed(&tasks[failedAt], failure)
		for i := range tasks {
			if i == failedAt {
				continue
			}
			if err := s.store.transition(&tasks[i], StatusEnqueued); err != nil {
				slog.Error("task_requeue_failed", slog.Uint64("uid", uint64(tasks[i].UID)))
			}
		}
		return
	}

	// Transactional (internal) error: the whole batch fails.
	for i := range tasks {
		s.markFailed(&tasks[i], err)
	}
}

// indexHandle accumulates per-batch pipeline stats.
type indexHandle struct {
	idx     *index.Index
	indexed uint64
	deleted uint64
}

// applyTask executes one task inside the batch transaction.
func (s *Scheduler) applyTask(ctx context.Context, wtxn *kvenv.WriteTxn, handle *indexHandle, task *Task) error {
	target := handle.idx
	switch task.Kind {
	case KindSettingsUpdate:
		if task.Payload.Settings == nil {
			return quillerr.New(quillerr.CodeInvalidSettings, "settings payload is empty")
		}
		return indexer.ApplySettings(ctx, wtxn, target, task.Payload.Settings, s.opts.IndexerConfig)

	case KindDocumentAdditionOrUpdate, KindDocumentDeletion, KindDocumentClear:
		ops, err := s.taskOperations(task)
		if err != nil {
			return err
		}
		stats, err := indexer.IndexDocuments(ctx, wtxn, target, ops, s.opts.IndexerConfig)
		if err != nil {
			return err
		}
		handle.indexed += stats.IndexedDocuments
		handle.deleted += stats.DeletedDocuments
		return nil
	}
	return quillerr.New(quillerr.CodeInternal, "unexpected task kind %q in content batch", task.Kind)
}

// taskOperations materialises a task's document operations, reading staged
// update files when the payload was not inlined.
func (s *Scheduler) taskOperations(task *Task) ([]indexer.Operation, error) {
	if task.Payload.UpdateFile == "" {
		return task.operations(), nil
	}
	path := filepath.Join(s.opts.DataDir, "update_files", task.Payload.UpdateFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, quillerr.Wrap(quillerr.CodeMalformedPayload, err)
	}
	defer func() { _ = f.Close() }()

	format := documents.Format(task.Payload.Format)
	if format == "" {
		format = documents.FormatJSON
	}
	docs, err := documents.Parse(f, format)
	if err != nil {
		return nil, err
	}
	kind := indexer.OpReplace
	if task.Payload.Method == "update" {
		kind = indexer.OpUpdate
	}
	return []indexer.Operation{{Kind: kind, Documents: docs}}, nil
}

func (s *Scheduler) execIndexCreation(task *Task) {
	if _, err := s.registry.Create(task.IndexUID); err != nil {
		s.markFailed(task, err)
		return
	}
	if task.Payload.PrimaryKey != "" {
		idx, err := s.registry.Get(task.IndexUID)
		if err == nil {
			err = idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
				return idx.PutPrimaryKey(wtxn, task.Payload.PrimaryKey)
			})
		}
		if err != nil {
			s.markFailed(task, err)
			return
		}
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execIndexUpdate(task *Task) {
	idx, err := s.registry.Get(task.IndexUID)
	if err != nil {
		s.markFailed(task, err)
		return
	}
	if task.Payload.PrimaryKey != "" {
		err = idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
			return idx.PutPrimaryKey(wtxn, task.Payload.PrimaryKey)
		})
		if err != nil {
			s.markFailed(task, err)
			return
		}
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execIndexDeletion(task *Task) {
	if err := s.registry.Delete(task.IndexUID); err != nil {
		s.markFailed(task, err)
		return
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execIndexSwap(task *Task) {
	for _, pair := range task.Payload.Swaps {
		if err := s.registry.Swap(pair[0], pair[1]); err != nil {
			s.markFailed(task, err)
			return
		}
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execTaskCancelation(task *Task) {
	if err := s.Cancel(task.Payload.TargetUIDs); err != nil {
		s.markFailed(task, err)
		return
	}
	// Cancel enqueued targets immediately.
	for _, uid := range task.Payload.TargetUIDs {
		target, err := s.store.get(uid)
		if err != nil || target.Finished() {
			continue
		}
		if target.Status == StatusEnqueued {
			s.consumeCancel(uid)
			s.markCanceled(target)
		}
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execTaskDeletion(task *Task) {
	if _, err := s.store.delete(task.Payload.TargetUIDs); err != nil {
		s.markFailed(task, err)
		return
	}
	s.markSucceeded(task)
}

func (s *Scheduler) execDump(task *Task) {
	dest := task.Payload.Destination
	if dest == "" {
		dest = filepath.Join(s.opts.DataDir, "dumps")
	}
	// The in-progress task dumps itself as succeeded to avoid a
	// self-reference loop in the archive.
	self := *task
	self.Status = StatusSucceeded
	path, err := dump.CreateDump(dump.Params{
		Destination: dest,
		Registry:    s.registry,
		Tasks:       s.dumpableTasks(&self),
		Batches:     s.dumpableBatches(),
	})
	if err != nil {
		s.markFailed(task, quillerr.Internal(err))
		return
	}
	slog.Info("dump_created", slog.String("path", path))
	s.markSucceeded(task)
}

func (s *Scheduler) dumpableTasks(self *Task) []dump.TaskRecord {
	tasks, err := s.store.list(Filter{})
	if err != nil {
		return nil
	}
	out := make([]dump.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		if t.UID == self.UID {
			t = *self
		}
		out = append(out, dump.TaskRecord{UID: t.UID, Value: t})
	}
	return out
}

func (s *Scheduler) dumpableBatches() []dump.BatchRecord {
	batches, err := s.store.batches()
	if err != nil {
		return nil
	}
	out := make([]dump.BatchRecord, 0, len(batches))
	for _, b := range batches {
		out = append(out, dump.BatchRecord{UID: b.UID, Value: b})
	}
	return out
}

func (s *Scheduler) execSnapshot(task *Task) {
	dest := task.Payload.Destination
	if dest == "" {
		dest = filepath.Join(s.opts.DataDir, "snapshots")
	}
	path, err := dump.CreateSnapshot(dump.SnapshotParams{
		Destination: dest,
		TaskEnv:     s.store.env,
		Registry:    s.registry,
	})
	if err != nil {
		s.markFailed(task, quillerr.Internal(err))
		return
	}
	slog.Info("snapshot_created", slog.String("path", path))
	s.markSucceeded(task)
}
