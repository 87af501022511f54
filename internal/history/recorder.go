package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/session"
)

const defaultMemorySize = 50

// Recorder writes one JSON record per finished session and keeps the
// most recent summaries in memory. Archive uploads are best effort:
// an unreachable archive never fails the local write.
type Recorder struct {
	dir        string
	memorySize int
	archive    ArchiveStore
	logger     *slog.Logger

	mu        sync.Mutex
	summaries []Summary
}

type RecorderOptions struct {
	Dir        string
	MemorySize int
	Archive    ArchiveStore
	Logger     *slog.Logger
}

func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	memorySize := opts.MemorySize
	if memorySize <= 0 {
		memorySize = defaultMemorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:        opts.Dir,
		memorySize: memorySize,
		archive:    opts.Archive,
		logger:     logger,
	}, nil
}

// Record persists a terminal session. The file write is atomic: the
// record lands under a temporary name and is renamed into place, so a
// crash mid-write never leaves a partial record behind.
func (r *Recorder) Record(ctx context.Context, s *session.Session) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("session %s is not terminal (status %s)", s.ID, s.Status)
	}

	record := recordFromSession(s)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", record.EndedAt.UTC().Format("20060102T150405"), record.SessionID)
	if err := r.writeAtomic(name, data); err != nil {
		return err
	}

	r.mu.Lock()
	r.summaries = append([]Summary{summaryFromRecord(record)}, r.summaries...)
	if len(r.summaries) > r.memorySize {
		r.summaries = r.summaries[:r.memorySize]
	}
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.Put(ctx, name, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
			r.logger.Warn("history archive upload failed",
				slog.String("record", name),
				slog.String("error", err.Error()))
		}
	}

	r.logger.Info("session recorded",
		slog.String("session_id", record.SessionID.String()),
		slog.String("status", record.Status),
		slog.String("record", name))
	return nil
}

func (r *Recorder) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(r.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(r.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize record: %w", err)
	}
	return nil
}

// Recent returns up to limit summaries, newest first. A non-positive
// limit returns everything held in memory.
func (r *Recorder) Recent(limit int) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.summaries) {
		limit = len(r.summaries)
	}
	out := make([]Summary, limit)
	copy(out, r.summaries[:limit])
	return out
}
