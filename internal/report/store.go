// internal/report/store.go

// Package report persists diagnosis documents as daily JSON files and keeps
// the store inside its retention bounds. The file layout is load-bearing:
// dashboards read diagnosis-YYYY-MM-DD.json directly, so each file is always
// a complete well-formed JSON array.
package report

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/dustin/go-humanize"
)

const (
	diagnosisPrefix = "diagnosis-"
	rawlogPrefix    = "rawlog-"
	dateLayout      = "2006-01-02"

	saveAttempts = 3
	saveBackoff  = 100 * time.Millisecond
)

// Store owns the on-disk report directory. Writes are serialized; reads can
// run concurrently with a write because files are replaced atomically.
type Store struct {
	dir           string
	retentionDays int
	maxBytes      int64

	mu       sync.Mutex
	degraded bool
}

// NewStore opens (creating if needed) the report directory.
func NewStore(dir string, retentionDays int, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	return &Store{dir: dir, retentionDays: retentionDays, maxBytes: maxBytes}, nil
}

// Save appends one diagnosis to its day file and runs eviction. A save that
// still fails after retries marks the store degraded; the next success
// clears the mark.
func (s *Store) Save(d protocol.Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(saveBackoff * time.Duration(attempt))
		}
		if err = s.appendDiagnosis(d); err == nil {
			s.degraded = false
			s.evictLocked(d.Date())
			return nil
		}
		metrics.StorageWriteErrors.Inc()
		log.Printf("report save attempt %d failed: %v", attempt+1, err)
	}
	s.degraded = true
	return fmt.Errorf("saving diagnosis after %d attempts: %w", saveAttempts, err)
}

// Degraded reports whether the last save cycle failed.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// AppendRaw appends one line to the day's raw ingest log.
func (s *Store) AppendRaw(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := rawlogPrefix + ts.UTC().Format(dateLayout) + ".log"
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, line)
	return err
}

// ByDate returns the diagnoses of one calendar day in append order.
func (s *Store) ByDate(date string) ([]protocol.Diagnosis, error) {
	return s.readDay(filepath.Join(s.dir, diagnosisPrefix+date+".json"))
}

// Recent returns up to limit diagnoses, newest first, walking day files
// backward.
func (s *Store) Recent(limit int) ([]protocol.Diagnosis, error) {
	dates, err := s.listDates(diagnosisPrefix, ".json")
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	var out []protocol.Diagnosis
	for _, date := range dates {
		day, err := s.ByDate(date)
		if err != nil {
			return nil, err
		}
		for i := len(day) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, day[i])
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) appendDiagnosis(d protocol.Diagnosis) error {
	path := filepath.Join(s.dir, diagnosisPrefix+d.Date()+".json")

	day, err := s.readDay(path)
	if err != nil {
		return err
	}
	day = append(day, d)

	data, err := json.MarshalIndent(day, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename keeps the day file a complete array at all times.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) readDay(path string) ([]protocol.Diagnosis, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var day []protocol.Diagnosis
	if err := json.Unmarshal(data, &day); err != nil {
		return nil, fmt.Errorf("corrupt day file %s: %w", filepath.Base(path), err)
	}
	return day, nil
}

func (s *Store) listDates(prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if _, err := time.Parse(dateLayout, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// evictLocked removes day files past the retention horizon, then removes the
// oldest days until the store fits the size cap. The current day is never
// evicted.
func (s *Store) evictLocked(today string) {
	cutoffDay, err := time.Parse(dateLayout, today)
	if err != nil {
		return
	}
	cutoff := cutoffDay.AddDate(0, 0, -s.retentionDays).Format(dateLayout)

	for _, prefix := range []string{diagnosisPrefix, rawlogPrefix} {
		suffix := ".json"
		if prefix == rawlogPrefix {
			suffix = ".log"
		}
		dates, err := s.listDates(prefix, suffix)
		if err != nil {
			return
		}
		for _, date := range dates {
			if date < cutoff && date != today {
				s.remove(prefix, suffix, date)
			}
		}
	}

	if s.maxBytes > 0 {
		s.evictToSize(today)
	}
}

type storedFile struct {
	prefix, suffix, date string
	size                 int64
}

func (s *Store) evictToSize(today string) {
	var files []storedFile
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		name := e.Name()
		for _, p := range []struct{ prefix, suffix string }{
			{diagnosisPrefix, ".json"}, {rawlogPrefix, ".log"},
		} {
			if strings.HasPrefix(name, p.prefix) && strings.HasSuffix(name, p.suffix) {
				files = append(files, storedFile{
					prefix: p.prefix,
					suffix: p.suffix,
					date:   strings.TrimSuffix(strings.TrimPrefix(name, p.prefix), p.suffix),
					size:   info.Size(),
				})
			}
		}
	}
	if total <= s.maxBytes {
		return
	}

	// Oldest days go first.
	sort.Slice(files, func(i, j int) bool { return files[i].date < files[j].date })
	for _, f := range files {
		if total <= s.maxBytes {
			return
		}
		if f.date == today {
			continue
		}
		if s.remove(f.prefix, f.suffix, f.date) {
			total -= f.size
		}
	}
}

func (s *Store) remove(prefix, suffix, date string) bool {
	path := filepath.Join(s.dir, prefix+date+suffix)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		log.Printf("evicting %s: %v", path, err)
		return false
	}
	metrics.EvictedFiles.Inc()
	log.Printf("evicted %s (%s)", filepath.Base(path), humanize.Bytes(uint64(info.Size())))
	return true
}
