package reconciler

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var csvHeader = []string{
	"message_id",
	"source_domain",
	"dest_domain",
	"nonce",
	"sender",
	"receiver",
	"status",
	"sent_amount",
	"received_amount",
	"sent_rate",
	"received_rate",
	"sent_at",
	"received_at",
	"missing_mint",
	"amount_mismatch",
	"rate_mismatch",
	"orphan_mint",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconciler: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("reconciler: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.MessageID,
			strconv.FormatUint(row.SourceDomain, 10),
			strconv.FormatUint(row.DestDomain, 10),
			strconv.FormatUint(row.Nonce, 10),
			row.Sender,
			row.Receiver,
			row.Status,
			row.SentAmount,
			row.ReceivedAmount,
			row.SentRate,
			row.ReceivedRate,
			formatTime(row.SentAt),
			formatTime(row.ReceivedAt),
			strconv.FormatBool(row.MissingMint),
			strconv.FormatBool(row.AmountMismatch),
			strconv.FormatBool(row.RateMismatch),
			strconv.FormatBool(row.OrphanMint),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reconciler: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reconciler: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	MessageID      string `parquet:"name=message_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceDomain   int64  `parquet:"name=source_domain, type=INT64"`
	DestDomain     int64  `parquet:"name=dest_domain, type=INT64"`
	Nonce          int64  `parquet:"name=nonce, type=INT64"`
	Sender         string `parquet:"name=sender, type=BYTE_ARRAY, convertedtype=UTF8"`
	Receiver       string `parquet:"name=receiver, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SentAmount     string `parquet:"name=sent_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAmount string `parquet:"name=received_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	SentRate       string `parquet:"name=sent_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedRate   string `parquet:"name=received_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	SentAt         string `parquet:"name=sent_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt     string `parquet:"name=received_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	MissingMint    bool   `parquet:"name=missing_mint, type=BOOLEAN"`
	AmountMismatch bool   `parquet:"name=amount_mismatch, type=BOOLEAN"`
	RateMismatch   bool   `parquet:"name=rate_mismatch, type=BOOLEAN"`
	OrphanMint     bool   `parquet:"name=orphan_mint, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconciler: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reconciler: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			MessageID:      row.MessageID,
			SourceDomain:   int64(row.SourceDomain),
			DestDomain:     int64(row.DestDomain),
			Nonce:          int64(row.Nonce),
			Sender:         row.Sender,
			Receiver:       row.Receiver,
			Status:         row.Status,
			SentAmount:     row.SentAmount,
			ReceivedAmount: row.ReceivedAmount,
			SentRate:       row.SentRate,
			ReceivedRate:   row.ReceivedRate,
			SentAt:         formatTime(row.SentAt),
			ReceivedAt:     formatTime(row.ReceivedAt),
			MissingMint:    row.MissingMint,
			AmountMismatch: row.AmountMismatch,
			RateMismatch:   row.RateMismatch,
			OrphanMint:     row.OrphanMint,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reconciler: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reconciler: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reconciler: close parquet file: %w", err)
	}
	return nil
}

func formatTime(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
