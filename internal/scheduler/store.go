package scheduler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// Task store tables, in their own environment separate from every index.
const (
	tableTasks   = "tasks"
	tableBatches = "batches"
	tableMeta    = "meta"
)

const (
	metaKeyNextTaskUID  = "next-task-uid"
	metaKeyNextBatchUID = "next-batch-uid"
)

// taskStore persists tasks and batches. Every state transition commits
// before the next one becomes observable.
type taskStore struct {
	env *kvenv.Env
}

func openTaskStore(dir string) (*taskStore, error) {
	env, err := kvenv.Open(filepath.Join(dir, "tasks.mdb"), kvenv.Options{},
		tableTasks, tableBatches, tableMeta)
	if err != nil {
		return nil, err
	}
	return &taskStore{env: env}, nil
}

func (s *taskStore) Close() error { return s.env.Close() }

// nextUID reserves the next strictly increasing uid under key.
func nextUID(wtxn *kvenv.WriteTxn, key string) (uint32, error) {
	meta := wtxn.Table(tableMeta)
	var uid uint32
	if data := meta.Get([]byte(key)); len(data) == 4 {
		uid = codec.U32(data)
	}
	if err := meta.Put([]byte(key), codec.PutU32(nil, uid+1)); err != nil {
		return 0, err
	}
	return uid, nil
}

// enqueue persists a new task and returns it with its uid assigned.
func (s *taskStore) enqueue(task Task) (Task, error) {
	err := s.env.Update(func(wtxn *kvenv.WriteTxn) error {
		uid, err := nextUID(wtxn, metaKeyNextTaskUID)
		if err != nil {
			return err
		}
		task.UID = uid
		task.Status = StatusEnqueued
		task.EnqueuedAt = time.Now().UTC()
		task.Events = []Event{{Status: StatusEnqueued, Timestamp: task.EnqueuedAt}}
		return putTask(wtxn, &task)
	})
	return task, err
}

func putTask(wtxn *kvenv.WriteTxn, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return wtxn.Table(tableTasks).Put(codec.PutU32(nil, task.UID), data)
}

// get loads one task.
func (s *taskStore) get(uid uint32) (*Task, error) {
	var task *Task
	err := s.env.View(func(rtxn *kvenv.ReadTxn) error {
		data := rtxn.Table(tableTasks).Get(codec.PutU32(nil, uid))
		if data == nil {
			return quillerr.New(quillerr.CodeTaskNotFound, "task %d not found", uid)
		}
		task = &Task{}
		return json.Unmarshal(data, task)
	})
	return task, err
}

// Filter restricts task listings.
type Filter struct {
	Statuses []Status
	Kinds    []Kind
	IndexUID string
	// Limit bounds the result count; zero means no bound.
	Limit int
}

func (f Filter) matches(task *Task) bool {
	if f.IndexUID != "" && task.IndexUID != f.IndexUID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, task.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, task.Kind) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsKind(list []Kind, k Kind) bool {
	for _, x := range list {
		if x == k {
			return true
		}
	}
	return false
}

// list returns tasks in uid order matching the filter.
func (s *taskStore) list(filter Filter) ([]Task, error) {
	var tasks []Task
	err := s.env.View(func(rtxn *kvenv.ReadTxn) error {
		for it := rtxn.Table(tableTasks).Range(nil, nil); it.Next(); {
			var task Task
			if err := json.Unmarshal(it.Value(), &task); err != nil {
				return fmt.Errorf("decode task %x: %w", it.Key(), err)
			}
			if !filter.matches(&task) {
				continue
			}
			tasks = append(tasks, task)
			if filter.Limit > 0 && len(tasks) >= filter.Limit {
				break
			}
		}
		return nil
	})
	return tasks, err
}

// update persists a full task record.
func (s *taskStore) update(task *Task) error {
	return s.env.Update(func(wtxn *kvenv.WriteTxn) error {
		return putTask(wtxn, task)
	})
}

// transition appends an event and persists the new status.
func (s *taskStore) transition(task *Task, status Status) error {
	now := time.Now().UTC()
	task.Status = status
	task.Events = append(task.Events, Event{Status: status, Timestamp: now})
	switch status {
	case StatusProcessing:
		task.StartedAt = &now
	case StatusSucceeded, StatusFailed, StatusCanceled:
		task.FinishedAt = &now
	}
	return s.update(task)
}

// delete removes finished tasks by uid; running or enqueued tasks are kept.
func (s *taskStore) delete(uids []uint32) (int, error) {
	deleted := 0
	err := s.env.Update(func(wtxn *kvenv.WriteTxn) error {
		tbl := wtxn.Table(tableTasks)
		for _, uid := range uids {
			data := tbl.Get(codec.PutU32(nil, uid))
			if data == nil {
				continue
			}
			var task Task
			if err := json.Unmarshal(data, &task); err != nil {
				return err
			}
			if !task.Finished() {
				continue
			}
			if err := tbl.Delete(codec.PutU32(nil, uid)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// putBatch persists a batch record.
func (s *taskStore) putBatch(batch *Batch) error {
	return s.env.Update(func(wtxn *kvenv.WriteTxn) error {
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return wtxn.Table(tableBatches).Put(codec.PutU32(nil, batch.UID), data)
	})
}

// newBatch reserves a batch uid.
func (s *taskStore) newBatch(indexUID string, taskUIDs []uint32) (*Batch, error) {
	batch := &Batch{IndexUID: indexUID, TaskUIDs: taskUIDs, StartedAt: time.Now().UTC()}
	err := s.env.Update(func(wtxn *kvenv.WriteTxn) error {
		uid, err := nextUID(wtxn, metaKeyNextBatchUID)
		if err != nil {
			return err
		}
		batch.UID = uid
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return wtxn.Table(tableBatches).Put(codec.PutU32(nil, uid), data)
	})
	return batch, err
}

// batches lists all batch records in uid order.
func (s *taskStore) batches() ([]Batch, error) {
	var out []Batch
	err := s.env.View(func(rtxn *kvenv.ReadTxn) error {
		for it := rtxn.Table(tableBatches).Range(nil, nil); it.Next(); {
			var batch Batch
			if err := json.Unmarshal(it.Value(), &batch); err != nil {
				return err
			}
			out = append(out, batch)
		}
		return nil
	})
	return out, err
}
