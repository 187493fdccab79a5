// Package conflict detects when a queued operation was written against a
// remote state that has since changed, and resolves the divergence.
package conflict

import (
	"sort"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// Diff compares a local and a remote payload field by field over the union
// of their keys. The result is sorted by field name.
func Diff(local, remote models.Payload) []models.FieldDifference {
	fields := local.Keys()
	for k := range remote {
		if _, ok := local[k]; !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)

	var diffs []models.FieldDifference
	for _, field := range fields {
		lv, inLocal := local[field]
		rv, inRemote := remote[field]
		switch {
		case inLocal && !inRemote:
			diffs = append(diffs, models.FieldDifference{Field: field, LocalValue: lv, RemoteValue: models.Null(), Kind: models.DifferenceAdded})
		case !inLocal && inRemote:
			diffs = append(diffs, models.FieldDifference{Field: field, LocalValue: models.Null(), RemoteValue: rv, Kind: models.DifferenceRemoved})
		case !lv.Equal(rv):
			diffs = append(diffs, models.FieldDifference{Field: field, LocalValue: lv, RemoteValue: rv, Kind: models.DifferenceModified})
		}
	}
	return diffs
}
