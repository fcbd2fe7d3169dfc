package reconciler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rebasechain/core/events"
)

// Recorder persists the bridge legs emitted by domains. It implements
// events.Emitter so it can sit in a domain's sink next to the metrics
// emitter.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder returns a recorder writing to db.
func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger, now: time.Now}
}

// SetNowFunc overrides the clock used to stamp legs.
func (r *Recorder) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Emit implements events.Emitter. Events other than bridge transfers are
// ignored.
func (r *Recorder) Emit(evt events.Event) {
	if r == nil || r.db == nil || evt == nil {
		return
	}
	var kind string
	switch evt.EventType() {
	case events.TypeBridgeSent:
		kind = LegSent
	case events.TypeBridgeReceived:
		kind = LegReceived
	default:
		return
	}
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	leg, err := legFromAttributes(kind, rendered.Attributes)
	if err != nil {
		r.logger.Warn("reconciler: malformed bridge event", "type", rendered.Type, "error", err)
		return
	}
	leg.RecordedAt = r.now().UTC()
	if err := r.Record(context.Background(), leg); err != nil {
		r.logger.Error("reconciler: record leg failed", "message_id", leg.MessageID, "kind", kind, "error", err)
	}
}

// Record stores leg. Recording the same message and kind twice is a no-op.
func (r *Recorder) Record(ctx context.Context, leg *BridgeLeg) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(leg).Error
}

func legFromAttributes(kind string, attrs map[string]string) (*BridgeLeg, error) {
	source, err := strconv.ParseUint(attrs["sourceDomain"], 10, 64)
	if err != nil {
		return nil, err
	}
	dest, err := strconv.ParseUint(attrs["destDomain"], 10, 64)
	if err != nil {
		return nil, err
	}
	nonce, err := strconv.ParseUint(attrs["nonce"], 10, 64)
	if err != nil {
		return nil, err
	}
	return &BridgeLeg{
		MessageID:    attrs["messageId"],
		Kind:         kind,
		SourceDomain: source,
		DestDomain:   dest,
		Nonce:        nonce,
		Sender:       attrs["sender"],
		Receiver:     attrs["receiver"],
		Amount:       attrs["amount"],
		Rate:         attrs["rate"],
	}, nil
}
