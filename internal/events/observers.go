package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
)

// Emitter stamps and forwards events to a sink, logging sink failures.
type Emitter struct {
	sink   Sink
	logger *logging.Logger
	now    func() time.Time
}

// NewEmitter creates an Emitter. A nil sink discards events.
func NewEmitter(sink Sink, logger *logging.Logger) *Emitter {
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Emitter{sink: sink, logger: logger, now: time.Now}
}

// Emit fills ID and Timestamp when unset and sends e. Errors are logged and
// swallowed.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = em.now().UTC()
	}
	if err := em.sink.Emit(ctx, e); err != nil {
		em.logger.Warn(ctx, "event sink failed",
			zap.String("event.type", string(e.Type)),
			zap.String("event.task_id", e.TaskID),
			zap.Error(err),
		)
	}
}

// DefectRecorded implements defects.Observer.
func (em *Emitter) DefectRecorded(ctx context.Context, d defects.Defect) {
	em.Emit(ctx, Event{
		Type:   DefectRecorded,
		TaskID: d.TaskID,
		Phase:  string(d.PhaseInjected),
	}.WithData(d))
}

// ApprovalChanged implements approval.Observer.
func (em *Emitter) ApprovalChanged(ctx context.Context, r approval.Request, d *approval.Decision) {
	e := Event{TaskID: r.TaskID, To: string(r.Status)}
	switch {
	case d != nil:
		e.Type = ApprovalDecided
		e = e.WithData(d)
	case r.Status == approval.StatusExpired:
		e.Type = ApprovalExpired
		e = e.WithData(map[string]string{"request_id": r.ID})
	default:
		e.Type = ApprovalRequested
		e = e.WithData(map[string]string{"request_id": r.ID, "gate_type": r.GateType})
	}
	em.Emit(ctx, e)
}

var (
	_ defects.Observer  = (*Emitter)(nil)
	_ approval.Observer = (*Emitter)(nil)
)
