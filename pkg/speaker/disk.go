package speaker

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// recordExt is the file extension of persisted speaker records.
const recordExt = ".voice"

// recordMagic guards against loading unrelated files from the registry
// directory.
const recordMagic = "VXSP"

// recordVersion is bumped on any layout change so old records are skipped
// rather than misread.
const recordVersion = 1

// Record is one persisted speaker: the display name, the stored
// embedding, and bookkeeping about when and from how much audio it was
// trained.
type Record struct {
	Name        string
	Embedding   []float64
	CreatedAt   time.Time
	SampleCount int
}

// DiskRegistry implements [Registry] with an in-memory map mirrored to
// one binary record file per speaker in a configured directory. Writes
// hit disk first and memory second, so the in-memory state never
// advertises a record that failed to persist.
type DiskRegistry struct {
	dir       string
	threshold float64

	mu      sync.RWMutex
	records map[string]Record
}

var _ Registry = (*DiskRegistry)(nil)

// NewDiskRegistry opens (creating if needed) the registry directory and
// loads every persisted record. Records with a mismatched embedding
// dimension or a corrupt payload are logged and skipped; they do not fail
// startup. threshold is the minimum cosine similarity for Identify to
// report a match (speakers.match_threshold, default 0.7).
func NewDiskRegistry(dir string, threshold float64) (*DiskRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("speaker: create registry dir %q: %w", dir, err)
	}

	r := &DiskRegistry{
		dir:       dir,
		threshold: threshold,
		records:   make(map[string]Record),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("speaker: read registry dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rec, err := readRecord(path)
		if err != nil {
			slog.Warn("speaker: skipping unreadable record", "path", path, "error", err)
			continue
		}
		if len(rec.Embedding) != voiceprint.Dim {
			slog.Warn("speaker: skipping record with wrong embedding dimension",
				"path", path, "dim", len(rec.Embedding), "want", voiceprint.Dim)
			continue
		}
		r.records[rec.Name] = rec
	}

	slog.Info("speaker registry loaded", "dir", dir, "speakers", len(r.records))
	return r, nil
}

// Train implements [Registry]. The record is written to disk before the
// in-memory map is updated; a failed write leaves the previous record (if
// any) authoritative.
func (r *DiskRegistry) Train(ctx context.Context, name string, embedding []float64, samples int) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if len(embedding) != voiceprint.Dim {
		return fmt.Errorf("speaker: train %q: %w", name, voiceprint.ErrDimensionMismatch)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		Name:        name,
		Embedding:   append([]float64(nil), embedding...),
		CreatedAt:   time.Now().UTC(),
		SampleCount: samples,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := writeRecord(r.recordPath(name), rec); err != nil {
		return fmt.Errorf("speaker: persist %q: %w", name, err)
	}
	r.records[name] = rec

	slog.Info("speaker trained", "name", name, "samples", samples)
	return nil
}

// Identify implements [Registry]. It scans every record under a read
// lock; with a handful of speakers the linear scan is far below any
// latency that matters here.
func (r *DiskRegistry) Identify(ctx context.Context, embedding []float64) (Match, error) {
	if len(embedding) != voiceprint.Dim {
		return Match{}, fmt.Errorf("speaker: identify: %w", voiceprint.ErrDimensionMismatch)
	}
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	best := Match{Similarity: math.Inf(-1)}
	for name, rec := range r.records {
		sim, err := voiceprint.Cosine(embedding, rec.Embedding)
		if err != nil {
			return Match{}, fmt.Errorf("speaker: identify against %q: %w", name, err)
		}
		if sim > best.Similarity {
			best = Match{Name: name, Similarity: sim}
		}
	}

	if math.IsInf(best.Similarity, -1) {
		return Match{}, nil
	}
	if best.Similarity < r.threshold {
		return Match{Similarity: best.Similarity}, nil
	}
	best.Matched = true
	return best, nil
}

// List implements [Registry].
func (r *DiskRegistry) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

// Delete implements [Registry]. The on-disk record is removed first; if
// that fails the in-memory record stays so the registry and the disk do
// not silently diverge.
func (r *DiskRegistry) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[name]; !ok {
		return fmt.Errorf("speaker: delete %q: %w", name, ErrNotFound)
	}
	if err := os.Remove(r.recordPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("speaker: delete %q: %w", name, err)
	}
	delete(r.records, name)

	slog.Info("speaker deleted", "name", name)
	return nil
}

// recordPath maps a speaker name to its record file. Characters that are
// unsafe in filenames are replaced so a hostile name cannot escape the
// registry directory.
func (r *DiskRegistry) recordPath(name string) string {
	safe := strings.Map(func(c rune) rune {
		switch c {
		case '/', '\\', ':', 0:
			return '_'
		}
		return c
	}, name)
	safe = strings.Trim(safe, ". ")
	if safe == "" {
		safe = "_"
	}
	return filepath.Join(r.dir, safe+recordExt)
}

// writeRecord serializes rec to path via a temp file and rename, so a
// crash mid-write never leaves a truncated record behind.
func writeRecord(path string, rec Record) error {
	buf := make([]byte, 0, 4+1+2+8+4+len(rec.Name)+8*len(rec.Embedding))
	buf = append(buf, recordMagic...)
	buf = append(buf, recordVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.Name)))
	buf = append(buf, rec.Name...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.CreatedAt.Unix()))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.SampleCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Embedding)))
	for _, v := range rec.Embedding {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readRecord parses a record file written by writeRecord.
func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	if len(data) < 4+1+2 || string(data[:4]) != recordMagic {
		return Record{}, fmt.Errorf("not a speaker record")
	}
	if data[4] != recordVersion {
		return Record{}, fmt.Errorf("unsupported record version %d", data[4])
	}

	off := 5
	nameLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+nameLen+8+4+4 {
		return Record{}, fmt.Errorf("truncated record")
	}
	name := string(data[off : off+nameLen])
	off += nameLen

	createdAt := int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	sampleCount := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	dim := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if len(data) < off+8*dim {
		return Record{}, fmt.Errorf("truncated embedding (want %d values)", dim)
	}
	embedding := make([]float64, dim)
	for i := range dim {
		embedding[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}

	return Record{
		Name:        name,
		Embedding:   embedding,
		CreatedAt:   time.Unix(createdAt, 0).UTC(),
		SampleCount: sampleCount,
	}, nil
}
