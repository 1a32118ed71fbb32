// Package audit records lifecycle and escalation events as catalog records
// and optionally archives them outside the table.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hacktracker/go/internal/catalog"
	"github.com/mcdev12/hacktracker/go/internal/kv"
	"github.com/mcdev12/hacktracker/go/internal/txn"
)

// Event names.
const (
	EventSoftDeleted        = "soft_deleted"
	EventRecovered          = "recovered"
	EventAnonymized         = "anonymized"
	EventHardDeleted        = "hard_deleted"
	EventPromotionCompleted = "promotion_completed"
	EventMirrorEscalation   = "mirror_escalation"
	EventSweepEscalation    = "sweep_escalation"
)

// Record is one audit entry. Snapshot holds the subject's attributes at the
// time of the event, e.g. the pre-deletion state of a hard-deleted record.
type Record struct {
	ID         string             `json:"auditId"`
	Event      string             `json:"event"`
	EntityType catalog.EntityType `json:"entityType"`
	Key        catalog.Key        `json:"subjectKey"`
	Actor      string             `json:"actor,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	Snapshot   catalog.Attributes `json:"snapshot,omitempty"`
	At         time.Time          `json:"at"`
}

// Archiver copies committed audit records to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// Recorder writes audit records through the transaction coordinator.
type Recorder struct {
	txn      *txn.Coordinator
	archiver Archiver
	clock    clockwork.Clock
}

// NewRecorder creates a Recorder. archiver may be nil.
func NewRecorder(coordinator *txn.Coordinator, archiver Archiver, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{txn: coordinator, archiver: archiver, clock: clock}
}

// Prepare fills in the id and timestamp of rec and returns the write that
// stores it, for callers that commit it together with the audited change.
// Pass the returned record to Archive once the transaction has committed.
func (r *Recorder) Prepare(rec Record) (kv.WriteOp, Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = r.clock.Now()
	}
	rec.At = rec.At.UTC()
	attrs, err := catalog.AttributesFrom(rec)
	if err != nil {
		return kv.WriteOp{}, Record{}, err
	}
	return kv.Create(catalog.Entity{
		Type:  catalog.EntityAudit,
		Key:   catalog.AuditKey(rec.At, rec.ID),
		Attrs: attrs,
	}), rec, nil
}

// Record writes rec on its own and archives it.
func (r *Recorder) Record(ctx context.Context, rec Record) (Record, error) {
	op, rec, err := r.Prepare(rec)
	if err != nil {
		return Record{}, err
	}
	if _, err := r.txn.ExecuteAtomic(ctx, []kv.WriteOp{op}); err != nil {
		return Record{}, fmt.Errorf("failed to write audit record: %w", err)
	}
	r.Archive(ctx, rec)
	return rec, nil
}

// Archive hands a committed record to the archiver. Failures are logged; the
// record in the table stays authoritative.
func (r *Recorder) Archive(ctx context.Context, rec Record) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.Archive(ctx, rec); err != nil {
		log.Error().
			Err(err).
			Str("audit_id", rec.ID).
			Str("event", rec.Event).
			Msg("failed to archive audit record")
	}
}

// List returns the audit records written on day, oldest first.
func (r *Recorder) List(ctx context.Context, day time.Time) ([]Record, error) {
	var (
		out []Record
		q   = kv.Query{PartitionKey: catalog.AuditPartition(day)}
	)
	for {
		page, err := r.txn.Store().Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list audit records: %w", err)
		}
		for _, e := range page.Items {
			var rec Record
			if err := e.Attrs.Decode(&rec); err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if page.NextCursor == "" {
			return out, nil
		}
		q.Cursor = page.NextCursor
	}
}
