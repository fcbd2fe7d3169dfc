package reconciler

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Leg kinds recorded for a bridge message.
const (
	LegSent     = "sent"
	LegReceived = "received"
)

// BridgeLeg is one observed side of a cross-domain transfer: the burn on the
// source domain or the mint on the destination domain.
type BridgeLeg struct {
	ID           uint   `gorm:"primaryKey"`
	MessageID    string `gorm:"size:66;not null;uniqueIndex:idx_leg_message_kind"`
	Kind         string `gorm:"size:16;not null;uniqueIndex:idx_leg_message_kind"`
	SourceDomain uint64 `gorm:"not null;index"`
	DestDomain   uint64 `gorm:"not null;index"`
	Nonce        uint64
	Sender       string `gorm:"size:128"`
	Receiver     string `gorm:"size:128"`
	Amount       string `gorm:"size:80;not null"`
	Rate         string `gorm:"size:80;not null"`
	RecordedAt   time.Time
}

// Run is the persisted summary of a reconciliation pass.
type Run struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt   time.Time
	CompletedAt time.Time
	Legs        int
	Anomalies   int
	ReportDir   string
}

// AutoMigrate creates or updates the reconciler tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&BridgeLeg{}, &Run{})
}
