package logparse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"fleet-telemetry-agent/internal/model"
)

const (
	defaultBufSize = 16 * 1024
	maxSegments    = 9
	segmentSuffix  = ".zst"
	compactFileExt = ".log"
)

// EntrySink receives consolidated entries.
type EntrySink interface {
	WriteEntry(ctx context.Context, entry model.CompactLogEntry) error
}

type WriterOption func(*FileWriter)

// WithMaxSize sets the size in bytes at which the file is rotated into a
// compressed segment. 0 disables rotation.
func WithMaxSize(bytes int64) WriterOption {
	return func(w *FileWriter) { w.maxSize = bytes }
}

// FileWriter appends compact lines to a file. Rotated files are stored as
// zstd segments {path}.1.zst (newest) through {path}.9.zst.
type FileWriter struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	w       *bufio.Writer
	maxSize int64
	written int64
}

func NewFileWriter(path string, opts ...WriterOption) (*FileWriter, error) {
	w := &FileWriter{path: path}
	for _, opt := range opts {
		opt(w)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("compact log: mkdir: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) WriteEntry(_ context.Context, entry model.CompactLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := entry.String() + "\n"
	if w.maxSize > 0 && w.written > 0 && w.written+int64(len(line)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("compact log: rotate: %w", err)
		}
	}
	n, err := w.w.WriteString(line)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("compact log: write: %w", err)
	}
	// Lines are flushed eagerly so live readers see them.
	return w.w.Flush()
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("compact log: flush: %w", err)
	}
	return w.f.Close()
}

func (w *FileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("compact log: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("compact log: stat %s: %w", w.path, err)
	}
	w.f = f
	w.w = bufio.NewWriterSize(f, defaultBufSize)
	w.written = info.Size()
	return nil
}

func (w *FileWriter) rotate() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}

	os.Remove(segmentName(w.path, maxSegments))
	for i := maxSegments - 1; i >= 1; i-- {
		os.Rename(segmentName(w.path, i), segmentName(w.path, i+1)) // may not exist
	}
	if err := compressFile(w.path, segmentName(w.path, 1)); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil {
		return err
	}
	w.written = 0
	return w.open()
}

func segmentName(path string, n int) string {
	return fmt.Sprintf("%s.%d%s", path, n, segmentSuffix)
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// DirWriter routes entries to one FileWriter per server under dir.
type DirWriter struct {
	mu      sync.Mutex
	dir     string
	opts    []WriterOption
	writers map[string]*FileWriter
}

func NewDirWriter(dir string, opts ...WriterOption) *DirWriter {
	return &DirWriter{dir: dir, opts: opts, writers: make(map[string]*FileWriter)}
}

func (d *DirWriter) PathFor(serverID string) string {
	return filepath.Join(d.dir, sanitizeName(serverID)+compactFileExt)
}

func (d *DirWriter) WriteEntry(ctx context.Context, entry model.CompactLogEntry) error {
	w, err := d.writer(entry.ServerID)
	if err != nil {
		return err
	}
	return w.WriteEntry(ctx, entry)
}

func (d *DirWriter) writer(serverID string) (*FileWriter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.writers[serverID]; ok {
		return w, nil
	}
	w, err := NewFileWriter(d.PathFor(serverID), d.opts...)
	if err != nil {
		return nil, err
	}
	d.writers[serverID] = w
	return w, nil
}

// Recent returns up to limit of the newest entries for a server, reading
// back through compressed segments when the live file is short.
func (d *DirWriter) Recent(serverID string, limit int) ([]model.CompactLogEntry, error) {
	d.mu.Lock()
	if w, ok := d.writers[serverID]; ok {
		w.mu.Lock()
		_ = w.w.Flush()
		w.mu.Unlock()
	}
	d.mu.Unlock()
	return ReadRecent(d.PathFor(serverID), limit)
}

func (d *DirWriter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for id, w := range d.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	d.writers = make(map[string]*FileWriter)
	return errors.Join(errs...)
}

// ReadRecent parses the newest limit entries from path and its segments,
// oldest first. Malformed lines are skipped.
func ReadRecent(path string, limit int) ([]model.CompactLogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	sources := []string{path}
	segments, _ := filepath.Glob(path + ".*" + segmentSuffix)
	sort.Slice(segments, func(i, j int) bool { return segmentIndex(path, segments[i]) < segmentIndex(path, segments[j]) })
	sources = append(sources, segments...)

	var collected []model.CompactLogEntry
	for _, src := range sources {
		entries, err := readCompactFile(src)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		// Newer sources come first, so prepend.
		collected = append(entries, collected...)
		if len(collected) >= limit {
			break
		}
	}
	if len(collected) > limit {
		collected = collected[len(collected)-limit:]
	}
	return collected, nil
}

func readCompactFile(path string) ([]model.CompactLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, segmentSuffix) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("compact log: open segment %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	}

	var entries []model.CompactLogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, err := ParseCompactLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("compact log: read %s: %w", path, err)
	}
	return entries, nil
}

func segmentIndex(path, segment string) int {
	raw := strings.TrimSuffix(strings.TrimPrefix(segment, path+"."), segmentSuffix)
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return maxSegments + 1
	}
	return n
}

func sanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
