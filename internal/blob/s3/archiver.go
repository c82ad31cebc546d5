package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/perpguard/perpbot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// ArchiverConfig controls retention and batching for audit exports.
type ArchiverConfig struct {
	// Retention is how long transition and reconciliation records stay in
	// Postgres before being exported. Default 90 days.
	Retention time.Duration

	// BatchLimit caps the rows exported per object. Default 5000.
	BatchLimit int
}

func (c ArchiverConfig) withDefaults() ArchiverConfig {
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 5000
	}
	return c
}

// ArchiveSummary reports one archival pass.
type ArchiveSummary struct {
	Transitions int64
	Results     int64
	Objects     int
}

// Archiver exports aged state transitions and reconciliation results as JSONL
// objects, then deletes the exported rows. Rows are only deleted after their
// batch uploaded successfully, so a failed upload never loses audit history.
type Archiver struct {
	writer      domain.BlobWriter
	transitions domain.StateTransitionStore
	results     domain.ReconciliationResultStore
	logger      *slog.Logger
	cfg         ArchiverConfig
}

// NewArchiver creates an Archiver over the given stores.
func NewArchiver(
	writer domain.BlobWriter,
	transitions domain.StateTransitionStore,
	results domain.ReconciliationResultStore,
	logger *slog.Logger,
	cfg ArchiverConfig,
) *Archiver {
	return &Archiver{
		writer:      writer,
		transitions: transitions,
		results:     results,
		logger:      logger.With(slog.String("component", "archiver")),
		cfg:         cfg.withDefaults(),
	}
}

// RunOnce archives everything older than the retention window as of now.
func (a *Archiver) RunOnce(ctx context.Context, now time.Time) (ArchiveSummary, error) {
	cutoff := now.Add(-a.cfg.Retention)
	var sum ArchiveSummary

	n, objs, err := a.archiveTransitions(ctx, cutoff)
	sum.Transitions = n
	sum.Objects += objs
	if err != nil {
		return sum, err
	}

	n, objs, err = a.archiveResults(ctx, cutoff)
	sum.Results = n
	sum.Objects += objs
	if err != nil {
		return sum, err
	}

	if sum.Transitions > 0 || sum.Results > 0 {
		a.logger.InfoContext(ctx, "archive pass complete",
			slog.Int64("transitions", sum.Transitions),
			slog.Int64("results", sum.Results),
			slog.Int("objects", sum.Objects),
			slog.Time("cutoff", cutoff),
		)
	}
	return sum, nil
}

// archiveTransitions pages through transitions older than cutoff. Each batch
// is uploaded and then deleted up to the last archived record's timestamp, so
// an interrupted pass resumes cleanly.
func (a *Archiver) archiveTransitions(ctx context.Context, cutoff time.Time) (int64, int, error) {
	var total int64
	var objects int

	for seq := 1; ; seq++ {
		batch, err := a.transitions.ListBefore(ctx, cutoff, a.cfg.BatchLimit)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: list transitions: %w", err)
		}
		if len(batch) == 0 {
			return total, objects, nil
		}

		key := archiveKey("transitions", cutoff, seq)
		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: encode transitions: %w", err)
		}
		if err := a.writer.Put(ctx, key, buf, jsonlContentType); err != nil {
			return total, objects, fmt.Errorf("s3blob: upload %s: %w", key, err)
		}
		objects++

		batchEnd := batch[len(batch)-1].CreatedAt.Add(time.Nanosecond)
		deleted, err := a.transitions.DeleteBefore(ctx, batchEnd)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: expire transitions: %w", err)
		}
		total += deleted
	}
}

func (a *Archiver) archiveResults(ctx context.Context, cutoff time.Time) (int64, int, error) {
	var total int64
	var objects int

	for seq := 1; ; seq++ {
		batch, err := a.results.ListBefore(ctx, cutoff, a.cfg.BatchLimit)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: list reconciliation results: %w", err)
		}
		if len(batch) == 0 {
			return total, objects, nil
		}

		key := archiveKey("reconciliation", cutoff, seq)
		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: encode reconciliation results: %w", err)
		}
		if err := a.writer.Put(ctx, key, buf, jsonlContentType); err != nil {
			return total, objects, fmt.Errorf("s3blob: upload %s: %w", key, err)
		}
		objects++

		batchEnd := batch[len(batch)-1].CreatedAt.Add(time.Nanosecond)
		deleted, err := a.results.DeleteBefore(ctx, batchEnd)
		if err != nil {
			return total, objects, fmt.Errorf("s3blob: expire reconciliation results: %w", err)
		}
		total += deleted
	}
}

// archiveKey partitions objects by record kind and cutoff date, with a batch
// sequence so one pass can emit several objects.
//
//	archive/transitions/2026-05-27/000001.jsonl
func archiveKey(kind string, cutoff time.Time, seq int) string {
	return fmt.Sprintf("archive/%s/%s/%06d.jsonl", kind, cutoff.Format("2006-01-02"), seq)
}

// marshalJSONL encodes records as newline-delimited JSON, one compact object
// per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
