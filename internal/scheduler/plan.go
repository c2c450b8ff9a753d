package scheduler

import (
	"github.com/quillsearch/quill/internal/index"
)

func indexUIDCheck(uid string) error {
	return index.ValidateUID(uid)
}

// planBatch picks the next batch from the enqueued tasks (already in uid
// order), by priority:
//
//  1. task cancelation and task deletion run alone, ahead of everything;
//  2. index deletion and swap are batches of one;
//  3. dump and snapshot are batches of one;
//  4. settings tasks for an index batch together and precede that index's
//     document operations within the same batch;
//  5. contiguous document operations on one index with a compatible method
//     batch together.
func planBatch(enqueued []Task) []Task {
	if len(enqueued) == 0 {
		return nil
	}

	// Queue-management tasks jump the queue.
	for _, task := range enqueued {
		if task.Kind == KindTaskCancelation || task.Kind == KindTaskDeletion {
			return []Task{task}
		}
	}

	first := enqueued[0]
	switch first.Kind {
	case KindIndexDeletion, KindIndexSwap, KindDumpCreation, KindSnapshotCreation,
		KindIndexCreation, KindIndexUpdate:
		return []Task{first}

	case KindSettingsUpdate:
		batch := []Task{}
		// Every pending settings task for the index, in order.
		for _, task := range enqueued {
			if task.Kind == KindSettingsUpdate && task.IndexUID == first.IndexUID {
				batch = append(batch, task)
			}
		}
		// Then the leading run of compatible document operations.
		batch = append(batch, contiguousDocOps(enqueued, first.IndexUID, "")...)
		return batch

	case KindDocumentAdditionOrUpdate, KindDocumentDeletion, KindDocumentClear:
		// Settings tasks for the same index precede the document
		// operations within one batch.
		var settings []Task
		for _, task := range enqueued {
			if task.Kind == KindSettingsUpdate && task.IndexUID == first.IndexUID {
				settings = append(settings, task)
			}
		}
		docOps := contiguousDocOps(enqueued, first.IndexUID, methodOf(first))
		return append(settings, docOps...)

	default:
		return []Task{first}
	}
}

// methodOf distinguishes replace from update batches; deletions and clears
// are compatible with either.
func methodOf(task Task) string {
	if task.Kind == KindDocumentAdditionOrUpdate {
		if task.Payload.Method == "update" {
			return "update"
		}
		return "replace"
	}
	return ""
}

// contiguousDocOps collects the leading run of document operations on uid
// whose method is compatible with method (or sets it when empty). Tasks for
// other indexes do not break contiguity; an incompatible task for the same
// index does.
func contiguousDocOps(enqueued []Task, uid, method string) []Task {
	var out []Task
	for _, task := range enqueued {
		if task.IndexUID != uid {
			continue
		}
		switch task.Kind {
		case KindDocumentAdditionOrUpdate, KindDocumentDeletion, KindDocumentClear:
			m := methodOf(task)
			if m != "" {
				if method == "" {
					method = m
				} else if m != method {
					return out
				}
			}
			out = append(out, task)
		case KindSettingsUpdate:
			// Already planned ahead of the document operations.
			continue
		default:
			return out
		}
	}
	return out
}
