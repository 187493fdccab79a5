package queue

import (
	"sort"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Compactable reports whether op may be merged with other operations on the
// same entity. In-flight, held and custom operations are left alone, as is a
// create that has no entity id yet.
func Compactable(op *models.SyncOperation) bool {
	return op.Status == models.StatusPending &&
		!op.Held() &&
		op.Kind != models.OperationCustom &&
		op.EntityID != ""
}

// Merge folds a later operation on the same entity into an earlier one.
//
//   - a Delete on either side yields a Delete
//   - Create then Update yields a Create with the update overlaid
//   - Update then Update yields an Update with the later fields winning and
//     the later creation time
//   - anything else is replaced by the later operation
//
// The merged record keeps the earlier operation's identity and retry state
// and the higher of the two priorities. The version token comes from the
// earliest operation that carried one, since that is the remote state the
// whole sequence was written against. The merged payload gets a new
// revision, so a retry of an earlier attempt that may have reached the remote
// is not answered from that attempt's idempotency record.
func Merge(earlier, later *models.SyncOperation) *models.SyncOperation {
	var out *models.SyncOperation
	switch {
	case earlier.Kind == models.OperationDelete || later.Kind == models.OperationDelete:
		out = earlier.Clone()
		out.Kind = models.OperationDelete
		if later.Kind == models.OperationDelete {
			out.Payload = later.Payload.Clone()
		}
	case earlier.Kind == models.OperationCreate && later.Kind == models.OperationUpdate:
		out = earlier.Clone()
		out.Payload = earlier.Payload.Overlay(later.Payload)
	case earlier.Kind == models.OperationUpdate && later.Kind == models.OperationUpdate:
		out = earlier.Clone()
		out.Payload = earlier.Payload.Overlay(later.Payload)
		out.CreatedAt = later.CreatedAt
	default:
		out = later.Clone()
		out.ID = earlier.ID
		out.Seq = earlier.Seq
		out.RetryCount = earlier.RetryCount
		out.NextRetryAt = nil
		if earlier.NextRetryAt != nil {
			t := *earlier.NextRetryAt
			out.NextRetryAt = &t
		}
	}

	if later.Priority > out.Priority {
		out.Priority = later.Priority
	}
	if earlier.Priority > out.Priority {
		out.Priority = earlier.Priority
	}
	out.Metadata = mergeMetadata(earlier.Metadata, later.Metadata)
	out.Status = models.StatusPending
	out.HeldBy = ""
	out.Revision = earlier.Revision + 1
	return out
}

func mergeMetadata(earlier, later map[string]string) map[string]string {
	if len(earlier) == 0 && len(later) == 0 {
		return nil
	}
	out := make(map[string]string, len(earlier)+len(later))
	for k, v := range earlier {
		out[k] = v
	}
	for k, v := range later {
		out[k] = v
	}
	if v, ok := earlier[models.MetadataVersion]; ok && v != "" {
		out[models.MetadataVersion] = v
	}
	return out
}

// Compact groups compactable operations by entity and folds each group, in
// enqueue order, into a single representative. It returns the merged
// representatives that changed and the ids of operations absorbed into them.
// Operations that are not compactable pass through untouched.
func Compact(ops []*models.SyncOperation) (merged []*models.SyncOperation, removed []string) {
	groups := make(map[string][]*models.SyncOperation)
	var keys []string
	for _, op := range ops {
		if !Compactable(op) {
			continue
		}
		k := op.EntityKey()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], op)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
		acc := group[0]
		for _, next := range group[1:] {
			acc = Merge(acc, next)
			removed = append(removed, next.ID)
		}
		merged = append(merged, acc)
	}
	return merged, removed
}
