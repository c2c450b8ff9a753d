// Package scheduler owns the durable task queue: tasks are enqueued by
// callers, planned into batches, executed one batch at a time against the
// index store, and their lifecycle is persisted at every transition.
package scheduler

import (
	"time"

	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/indexer"
)

// Kind names a task kind. The strings are part of the public contract.
type Kind string

const (
	KindDocumentAdditionOrUpdate Kind = "documentAdditionOrUpdate"
	KindDocumentDeletion         Kind = "documentDeletion"
	KindDocumentClear            Kind = "documentClear"
	KindSettingsUpdate           Kind = "settingsUpdate"
	KindIndexCreation            Kind = "indexCreation"
	KindIndexUpdate              Kind = "indexUpdate"
	KindIndexDeletion            Kind = "indexDeletion"
	KindIndexSwap                Kind = "indexSwap"
	KindDumpCreation             Kind = "dumpCreation"
	KindSnapshotCreation         Kind = "snapshotCreation"
	KindTaskCancelation          Kind = "taskCancelation"
	KindTaskDeletion             Kind = "taskDeletion"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Event is one recorded lifecycle transition.
type Event struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskError is the stable error payload attached to failed tasks.
type TaskError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
	Link    string `json:"link"`
}

// Payload carries the kind-specific task input. Exactly the fields for the
// task's kind are set.
type Payload struct {
	// Documents payloads.
	Method    string           `json:"method,omitempty"` // "replace" | "update"
	Documents []documents.Raw  `json:"documents,omitempty"`
	// UpdateFile points at a staged raw payload instead of inline documents.
	UpdateFile  string   `json:"updateFile,omitempty"`
	Format      string   `json:"format,omitempty"`
	ExternalIDs []string `json:"externalIds,omitempty"`

	// Settings payload.
	Settings *index.Settings `json:"settings,omitempty"`

	// Index lifecycle payloads.
	PrimaryKey string      `json:"primaryKey,omitempty"`
	Swaps      [][2]string `json:"swaps,omitempty"`

	// Task management payloads.
	TargetUIDs []uint32 `json:"targetUids,omitempty"`

	// Dump / snapshot destination directory override.
	Destination string `json:"destination,omitempty"`
}

// Task is one persisted queue entry.
type Task struct {
	UID        uint32     `json:"uid"`
	IndexUID   string     `json:"indexUid,omitempty"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Payload    Payload    `json:"payload"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Events     []Event    `json:"events,omitempty"`
	Error      *TaskError `json:"error,omitempty"`
	BatchUID   *uint32    `json:"batchUid,omitempty"`
}

// Finished reports whether the task reached a terminal state.
func (t *Task) Finished() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// operations converts a document task payload into indexer operations.
func (t *Task) operations() []indexer.Operation {
	switch t.Kind {
	case KindDocumentAdditionOrUpdate:
		kind := indexer.OpReplace
		if t.Payload.Method == "update" {
			kind = indexer.OpUpdate
		}
		return []indexer.Operation{{Kind: kind, Documents: t.Payload.Documents}}
	case KindDocumentDeletion:
		return []indexer.Operation{{Kind: indexer.OpDelete, ExternalIDs: t.Payload.ExternalIDs}}
	case KindDocumentClear:
		return []indexer.Operation{{Kind: indexer.OpClear}}
	}
	return nil
}

// Batch is a group of tasks executed in one write transaction.
type Batch struct {
	UID        uint32     `json:"uid"`
	TaskUIDs   []uint32   `json:"taskUids"`
	IndexUID   string     `json:"indexUid,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// Stats aggregates counters over the batch.
	Stats BatchStats `json:"stats"`
}

// BatchStats aggregates task outcomes.
type BatchStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
	// IndexedDocuments and DeletedDocuments sum the pipeline stats.
	IndexedDocuments uint64 `json:"indexedDocuments,omitempty"`
	DeletedDocuments uint64 `json:"deletedDocuments,omitempty"`
}
