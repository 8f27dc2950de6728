package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

const archivePageSize = 1000

// Archiver implements domain.Archiver. It serialises cold rows to JSONL and
// uploads them to archive/<kind>/<date>.jsonl. Terminal signals and audit
// rows are deleted from the database only after the upload succeeded;
// closed positions stay in place as the trading history.
type Archiver struct {
	writer    domain.BlobWriter
	positions domain.PositionStore
	signals   domain.SignalStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	positions domain.PositionStore,
	signals domain.SignalStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		signals:   signals,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchivePositions uploads positions closed before the cutoff.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	closed, err := collectPages(func(opts domain.ListOpts) ([]domain.Position, error) {
		opts.Until = &before
		return a.positions.ListClosed(ctx, opts)
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	return upload(ctx, a, "positions", before, closed, nil)
}

// ArchiveSignals uploads terminal signals last updated before the cutoff
// and then deletes them.
func (a *Archiver) ArchiveSignals(ctx context.Context, before time.Time) (int64, error) {
	all, err := collectPages(func(opts domain.ListOpts) ([]domain.Signal, error) {
		opts.Until = &before
		return a.signals.ListRecent(ctx, opts)
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive signals query: %w", err)
	}
	var terminal []domain.Signal
	for _, s := range all {
		if s.State.Terminal() && s.UpdatedAt.Before(before) {
			terminal = append(terminal, s)
		}
	}
	return upload(ctx, a, "signals", before, terminal, func() (int64, error) {
		return a.signals.DeleteTerminalBefore(ctx, before)
	})
}

// ArchiveAudit uploads audit entries older than the cutoff and then deletes
// them.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	until := before.Add(-time.Nanosecond)
	entries, err := collectPages(func(opts domain.ListOpts) ([]domain.AuditEntry, error) {
		opts.Until = &until
		return a.audit.List(ctx, opts)
	})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return upload(ctx, a, "audit", before, entries, func() (int64, error) {
		return a.audit.DeleteBefore(ctx, before)
	})
}

func upload[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T, prune func() (int64, error)) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	path := archivePath(kind, before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	var pruned int64
	if prune != nil {
		if pruned, err = prune(); err != nil {
			return count, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
		}
	}
	a.logger.InfoContext(ctx, "archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("pruned", pruned),
	)
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// collectPages drains a paginated list query.
func collectPages[T any](list func(domain.ListOpts) ([]T, error)) ([]T, error) {
	var out []T
	for offset := 0; ; offset += archivePageSize {
		page, err := list(domain.ListOpts{Limit: archivePageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < archivePageSize {
			return out, nil
		}
	}
}

// archivePath builds the object key for an archive file, partitioned by
// the cutoff date:
//
//	archive/positions/2026-01-31.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
