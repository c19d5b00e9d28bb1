// Package audit provides the durable audit stores: the relational
// event and decision logs (SQLite or PostgreSQL) and a JSON-Lines file
// sink with rotation and retention for air-gapped deployments.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

// filePattern matches sink filenames: audit-YYYY-MM-DD.log or
// audit-YYYY-MM-DD-N.log.
var filePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// fileInfo holds the parsed parts of a sink filename.
type fileInfo struct {
	name   string
	date   string
	suffix int
}

func parseFilename(name string) (fileInfo, bool) {
	matches := filePattern.FindStringSubmatch(name)
	if matches == nil {
		return fileInfo{}, false
	}
	info := fileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return fileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortFiles orders sink files chronologically: by date, then suffix.
func sortFiles(files []fileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileSinkConfig configures the JSON-Lines sink.
type FileSinkConfig struct {
	// Dir is the directory holding the log files.
	Dir string
	// RetentionDays is how long rotated files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent events kept in memory for the
	// admin recent-events view (default 1000).
	CacheSize int
}

// FileSink appends events as JSON Lines with daily and size-based
// rotation, hourly retention sweeps, and a ring of recent events.
type FileSink struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	cache  *eventRing
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewFileSink creates the sink directory if needed, opens today's
// file, sweeps expired files, warms the recent-events ring from the
// newest file, and starts the hourly sweep loop.
func NewFileSink(cfg FileSinkConfig, logger *slog.Logger) (*FileSink, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileSink{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		cache:         newEventRing(cfg.CacheSize),
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrent(today); err != nil {
		cancel()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.sweep()
	s.warmCache()
	go s.sweepLoop(ctx)

	return s, nil
}

// Insert appends events as JSON lines, rotating by date and size.
func (s *FileSink) Insert(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit file sink is closed")
	}

	for i := range events {
		ev := &events[i]
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if ev.RetentionDays <= 0 {
			ev.RetentionDays = audit.RetentionFor(ev.EventType)
		}

		dateStr := ev.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		s.currentSize += int64(n)

		s.cache.add(*ev)
	}
	return nil
}

// Sync forces buffered lines to disk.
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile != nil {
		return s.currentFile.Sync()
	}
	return nil
}

// Close stops the sweep loop and closes the current file. Safe to call
// twice.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// Recent returns the last n events, newest first.
func (s *FileSink) Recent(n int) []audit.Event {
	return s.cache.recent(n)
}

func (s *FileSink) openCurrent(dateStr string) error {
	suffix := s.highestSuffix(dateStr)
	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// highestSuffix returns the largest existing suffix for a date, so a
// restart keeps appending to the newest file.
func (s *FileSink) highestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (s *FileSink) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	path := filepath.Join(s.dir, buildFilename(dateStr, suffix))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", path, err)
	}
	return f, info.Size(), nil
}

func buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to the file for a new date. Caller holds
// s.mu.
func (s *FileSink) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked switches to the next suffix for the current date.
// Caller holds s.mu.
func (s *FileSink) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	s.currentSuffix++
	s.currentSize = 0

	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// sweep deletes files whose date is past the retention horizon.
func (s *FileSink) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("audit sweep: read directory", "dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", info.date)
		if err != nil {
			continue
		}
		if fileDate.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.logger.Error("audit sweep: delete file", "file", e.Name(), "error", err)
			} else {
				deleted++
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("audit sweep completed", "deleted", deleted)
	}
}

func (s *FileSink) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// warmCache fills the recent-events ring from the newest non-empty
// file.
func (s *FileSink) warmCache() {
	newest := s.newestFile()
	if newest == "" {
		return
	}

	f, err := os.Open(filepath.Join(s.dir, newest))
	if err != nil {
		s.logger.Error("audit cache: open file", "file", newest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "file", newest, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: read file", "file", newest, "error", err)
	}

	start := 0
	if len(events) > s.cache.size {
		start = len(events) - s.cache.size
	}
	// Chronological order, so the newest event lands last in the ring.
	for _, ev := range events[start:] {
		s.cache.add(ev)
	}
}

// newestFile returns the most recent non-empty sink file, or "".
func (s *FileSink) newestFile() string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ""
	}
	var files []fileInfo
	for _, e := range entries {
		info, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		finfo, err := e.Info()
		if err != nil || finfo.Size() == 0 {
			continue
		}
		files = append(files, info)
	}
	if len(files) == 0 {
		return ""
	}
	sortFiles(files)
	return files[len(files)-1].name
}

var _ audit.Sink = (*FileSink)(nil)

// eventRing is a fixed-size ring of recent events for the admin view.
type eventRing struct {
	mu      sync.RWMutex
	entries []audit.Event
	size    int
	head    int
	count   int
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 1000
	}
	return &eventRing{entries: make([]audit.Event, size), size: size}
}

func (r *eventRing) add(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns the last n entries, newest first.
func (r *eventRing) recent(n int) []audit.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		// head is the next write slot; head-1 is the newest entry.
		idx := (r.head - 1 - i + r.size) % r.size
		out[i] = r.entries[idx]
	}
	return out
}

func (r *eventRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
