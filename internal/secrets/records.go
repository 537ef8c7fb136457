package secrets

import (
	"context"

	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// RecordStore scrubs each record's error before it is appended.
type RecordStore struct {
	stage.RecordStore
	scrubber *Scrubber
}

// NewRecordStore wraps next.
func NewRecordStore(next stage.RecordStore, s *Scrubber) *RecordStore {
	return &RecordStore{RecordStore: next, scrubber: s}
}

// AppendRecord redacts rec.Error and delegates.
func (r *RecordStore) AppendRecord(ctx context.Context, rec stage.ExecutionRecord) error {
	if rec.Error != "" {
		rec.Error = r.scrubber.Redact(rec.Error)
	}
	return r.RecordStore.AppendRecord(ctx, rec)
}

var _ stage.RecordStore = (*RecordStore)(nil)
