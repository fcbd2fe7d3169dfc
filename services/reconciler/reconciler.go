package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"rebasechain/observability"
)

// Anomaly kinds reported by the reconciler.
const (
	AnomalyMissingMint    = "missing_mint"
	AnomalyAmountMismatch = "amount_mismatch"
	AnomalyRateMismatch   = "rate_mismatch"
	AnomalyOrphanMint     = "orphan_mint"
)

// Row statuses.
const (
	StatusDelivered = "delivered"
	StatusInFlight  = "in_flight"
)

var errNoDatabase = errors.New("reconciler: database not configured")

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Reconciler pairs the burn and mint legs of bridge messages and reports
// transfers that never completed or completed with different values. It only
// reads and reports: value lost to a missing mint is never compensated.
type Reconciler struct {
	db        *gorm.DB
	outputDir string
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	latest *Result
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Kind         string `json:"kind"`
	MessageID    string `json:"messageId"`
	SourceDomain uint64 `json:"sourceDomain"`
	DestDomain   uint64 `json:"destDomain"`
	Nonce        uint64 `json:"nonce"`
	Details      string `json:"details"`
}

// ReportRow summarises the state of a single bridge message.
type ReportRow struct {
	MessageID      string
	SourceDomain   uint64
	DestDomain     uint64
	Nonce          uint64
	Sender         string
	Receiver       string
	Status         string
	SentAmount     string
	ReceivedAmount string
	SentRate       string
	ReceivedRate   string
	SentAt         *time.Time
	ReceivedAt     *time.Time
	MissingMint    bool
	AmountMismatch bool
	RateMismatch   bool
	OrphanMint     bool
}

// Result describes one reconciliation run.
type Result struct {
	RunID       uuid.UUID   `json:"runId"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`
	Legs        int         `json:"legs"`
	Rows        int         `json:"rows"`
	Anomalies   []Anomaly   `json:"anomalies"`
	Report      *ReportFile `json:"report,omitempty"`
}

// Counts tallies anomalies per kind.
func (r *Result) Counts() map[string]int {
	counts := map[string]int{
		AnomalyMissingMint:    0,
		AnomalyAmountMismatch: 0,
		AnomalyRateMismatch:   0,
		AnomalyOrphanMint:     0,
	}
	if r == nil {
		return counts
	}
	for _, a := range r.Anomalies {
		counts[a.Kind]++
	}
	return counts
}

// ReportFile references the CSV and Parquet artefacts generated for a run.
type ReportFile struct {
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
}

// New constructs a reconciler using cfg.
func New(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errNoDatabase
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		outputDir: cfg.OutputDir,
		now:       now,
		logger:    logger,
	}, nil
}

// Latest returns the result of the most recent successful run, or nil.
func (r *Reconciler) Latest() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Run pairs every recorded leg. A sent leg without a matching mint becomes a
// missing_mint anomaly once it is older than olderThan; younger ones are
// reported as in flight.
func (r *Reconciler) Run(ctx context.Context, olderThan time.Duration) (*Result, error) {
	result, err := r.run(ctx, olderThan)
	counts := result.Counts()
	observability.Reconcile().ObserveRun(counts, err)
	if err != nil {
		r.logger.Error("reconciler: run failed", "error", err)
		return nil, err
	}
	r.mu.Lock()
	r.latest = result
	r.mu.Unlock()
	r.logger.Info("reconciler: run complete",
		"run_id", result.RunID.String(),
		"legs", result.Legs,
		"anomalies", len(result.Anomalies))
	return result, nil
}

func (r *Reconciler) run(ctx context.Context, olderThan time.Duration) (*Result, error) {
	started := r.now().UTC()
	result := &Result{RunID: uuid.New(), StartedAt: started}

	var legs []BridgeLeg
	if err := r.db.WithContext(ctx).Order("id asc").Find(&legs).Error; err != nil {
		return nil, fmt.Errorf("reconciler: load legs: %w", err)
	}
	result.Legs = len(legs)

	rows := buildRows(legs)
	cutoff := started.Add(-olderThan)
	for _, row := range rows {
		result.Anomalies = append(result.Anomalies, classify(row, cutoff)...)
	}
	result.Rows = len(rows)

	if r.outputDir != "" {
		runDir := filepath.Join(r.outputDir, started.Format("20060102T150405Z")+"-"+result.RunID.String())
		report, err := r.writeReportFiles(runDir, rows)
		if err != nil {
			return nil, err
		}
		result.Report = report
	}

	result.CompletedAt = r.now().UTC()
	run := Run{
		ID:          result.RunID,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Legs:        result.Legs,
		Anomalies:   len(result.Anomalies),
	}
	if result.Report != nil {
		run.ReportDir = filepath.Dir(result.Report.CSVPath)
	}
	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("reconciler: persist run: %w", err)
	}
	return result, nil
}

// Start runs a reconciliation every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval, olderThan time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Run logs and counts its own failures.
			_, _ = r.Run(ctx, olderThan)
		}
	}
}

func buildRows(legs []BridgeLeg) []*ReportRow {
	byID := make(map[string]*ReportRow)
	for i := range legs {
		leg := legs[i]
		row, ok := byID[leg.MessageID]
		if !ok {
			row = &ReportRow{
				MessageID:    leg.MessageID,
				SourceDomain: leg.SourceDomain,
				DestDomain:   leg.DestDomain,
				Nonce:        leg.Nonce,
				Sender:       leg.Sender,
				Receiver:     leg.Receiver,
			}
			byID[leg.MessageID] = row
		}
		at := leg.RecordedAt
		switch leg.Kind {
		case LegSent:
			row.SentAmount = leg.Amount
			row.SentRate = leg.Rate
			row.SentAt = &at
		case LegReceived:
			row.ReceivedAmount = leg.Amount
			row.ReceivedRate = leg.Rate
			row.ReceivedAt = &at
		}
	}
	rows := make([]*ReportRow, 0, len(byID))
	for _, row := range byID {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SourceDomain != rows[j].SourceDomain {
			return rows[i].SourceDomain < rows[j].SourceDomain
		}
		if rows[i].Nonce != rows[j].Nonce {
			return rows[i].Nonce < rows[j].Nonce
		}
		return rows[i].MessageID < rows[j].MessageID
	})
	return rows
}

func classify(row *ReportRow, cutoff time.Time) []Anomaly {
	anomaly := func(kind, details string) Anomaly {
		return Anomaly{
			Kind:         kind,
			MessageID:    row.MessageID,
			SourceDomain: row.SourceDomain,
			DestDomain:   row.DestDomain,
			Nonce:        row.Nonce,
			Details:      details,
		}
	}
	switch {
	case row.SentAt == nil:
		row.OrphanMint = true
		row.Status = AnomalyOrphanMint
		return []Anomaly{anomaly(AnomalyOrphanMint, fmt.Sprintf("minted %s without a recorded burn", row.ReceivedAmount))}
	case row.ReceivedAt == nil:
		if row.SentAt.After(cutoff) {
			row.Status = StatusInFlight
			return nil
		}
		row.MissingMint = true
		row.Status = AnomalyMissingMint
		return []Anomaly{anomaly(AnomalyMissingMint, fmt.Sprintf("burned %s at %s, no mint", row.SentAmount, row.SentAt.Format(time.RFC3339)))}
	}
	row.Status = StatusDelivered
	var out []Anomaly
	if !sameValue(row.SentAmount, row.ReceivedAmount) {
		row.AmountMismatch = true
		out = append(out, anomaly(AnomalyAmountMismatch, fmt.Sprintf("burned %s, minted %s", row.SentAmount, row.ReceivedAmount)))
	}
	if !sameValue(row.SentRate, row.ReceivedRate) {
		row.RateMismatch = true
		out = append(out, anomaly(AnomalyRateMismatch, fmt.Sprintf("sent rate %s, received rate %s", row.SentRate, row.ReceivedRate)))
	}
	return out
}

// sameValue compares two decimal strings numerically; unparsable values are
// compared verbatim.
func sameValue(a, b string) bool {
	left, errA := uint256.FromDecimal(a)
	right, errB := uint256.FromDecimal(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return left.Eq(right)
}

func (r *Reconciler) writeReportFiles(dir string, rows []*ReportRow) (*ReportFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("reconciler: create output dir: %w", err)
	}
	csvPath := filepath.Join(dir, "bridge_transfers.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, "bridge_transfers.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	r.logger.Info("reconciler: wrote report", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return &ReportFile{CSVPath: csvPath, ParquetPath: parquetPath}, nil
}
