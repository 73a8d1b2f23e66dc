package output

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/petrel-labs/gridharvest/internal/normalize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata describes the run that produced a snapshot. Consumers use it to
// judge whether the record set is complete.
type Metadata struct {
	RunID         string        `json:"run_id"`
	Count         int           `json:"count"`
	Skipped       int           `json:"skipped"`
	Truncated     bool          `json:"truncated"`
	DetectedTotal int           `json:"detected_total,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ms"`
}

// MarshalJSON reports the duration in milliseconds rather than nanoseconds.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type alias Metadata
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms"`
	}{alias: alias(m), Duration: m.Duration.Milliseconds()})
}

// Result is the complete snapshot envelope written to disk.
type Result struct {
	Metadata Metadata           `json:"metadata"`
	Records  []normalize.Record `json:"records"`
}

// Writer persists snapshots atomically. A reader never observes a partially
// written or interleaved file: the snapshot lands via rename or not at all.
type Writer struct {
	logger *zap.Logger
}

// NewWriter builds a snapshot writer.
func NewWriter(logger *zap.Logger) *Writer {
	return &Writer{logger: logger.Named("output")}
}

// Write marshals the result and replaces the file at path in one rename.
// The previous snapshot, if any, survives every failure mode.
func (w *Writer) Write(res *Result, path string) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	w.logger.Info("Snapshot written.",
		zap.String("path", path),
		zap.Int("records", res.Metadata.Count),
		zap.Int("skipped", res.Metadata.Skipped),
		zap.Bool("truncated", res.Metadata.Truncated),
	)
	return nil
}
