package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"liuproxy_pool/internal/shared/logger"
	"liuproxy_pool/pool/model"
)

const (
	delimiter = "|"
	numFields = 10 // Address|State|Protocol|Sources|LastLatencyMs|AvgLatencyMs|LastChecked|LastStateChange|Failures|Successes

	poolFileName    = "pool.txt"
	workingFileName = "working_proxies.txt"
	statusFileName  = "daemon_status.json"
)

// Storage is the persistence boundary of the pool. The in-memory store stays
// authoritative; a broken storage only costs durability until the next flush.
type Storage interface {
	Load() ([]*model.ProxyRecord, error)
	Save(snap *model.PoolSnapshot) error
	ExportWorking(snap *model.PoolSnapshot) error
	WriteStatus(status any) error
}

// FileStorage persists the pool as a pipe-delimited text file plus the two
// exported artifacts (plain working list, JSON daemon status) under one data
// directory.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates a FileStorage rooted at dir, creating it if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the data directory path.
func (fs *FileStorage) Dir() string { return fs.dir }

// Load reads the persisted pool file. A missing file yields an empty pool;
// malformed lines are skipped with a warning so one bad line cannot poison a
// warm start.
func (fs *FileStorage) Load() ([]*model.ProxyRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("Pool/Storage")
	path := filepath.Join(fs.dir, poolFileName)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", path).Msg("Pool data file not found, starting with an empty pool.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []*model.ProxyRecord
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in pool file.")
			continue
		}

		rec, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse record from line, skipping.")
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(records)).Msg("Successfully loaded pool from file.")
	return records, nil
}

// Save persists the snapshot atomically (write-then-rename), so a crash
// mid-flush leaves the previous file intact.
func (fs *FileStorage) Save(snap *model.PoolSnapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("Pool/Storage")

	var sb strings.Builder
	for _, rec := range snap.Records {
		sb.WriteString(formatRecord(rec))
		sb.WriteString("\n")
	}

	path := filepath.Join(fs.dir, poolFileName)
	if err := writeFileAtomic(path, []byte(sb.String())); err != nil {
		return err
	}

	l.Info().Int("count", len(snap.Records)).Msg("Successfully saved pool to file.")
	return nil
}

// ExportWorking writes the plain host:port list of Working records,
// fastest-first. External tool wrappers consume this file as-is.
func (fs *FileStorage) ExportWorking(snap *model.PoolSnapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	working := make([]*model.ProxyRecord, 0, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.State == model.StateWorking {
			working = append(working, rec)
		}
	}
	sort.Slice(working, func(i, j int) bool {
		return exportLatency(working[i]) < exportLatency(working[j])
	})

	var sb strings.Builder
	for _, rec := range working {
		sb.WriteString(rec.Address.String())
		sb.WriteString("\n")
	}

	return writeFileAtomic(filepath.Join(fs.dir, workingFileName), []byte(sb.String()))
}

func exportLatency(rec *model.ProxyRecord) time.Duration {
	if rec.AvgLatency > 0 {
		return rec.AvgLatency
	}
	if rec.LastLatency > 0 {
		return rec.LastLatency
	}
	return time.Duration(1<<63 - 1)
}

// WriteStatus persists the daemon status document as indented JSON.
func (fs *FileStorage) WriteStatus(status any) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal daemon status: %w", err)
	}
	return writeFileAtomic(filepath.Join(fs.dir, statusFileName), data)
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over the destination.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// formatRecord renders one record as a delimited line.
func formatRecord(rec *model.ProxyRecord) string {
	return strings.Join([]string{
		rec.Address.String(),
		rec.State.String(),
		rec.Protocol,
		strings.Join(rec.Sources, ","),
		strconv.FormatInt(rec.LastLatency.Milliseconds(), 10),
		strconv.FormatInt(rec.AvgLatency.Milliseconds(), 10),
		strconv.FormatInt(unixOrZero(rec.LastCheckedAt), 10),
		strconv.FormatInt(unixOrZero(rec.LastStateChangeAt), 10),
		strconv.Itoa(rec.Failures),
		strconv.Itoa(rec.Successes),
	}, delimiter)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// parseRecord is the inverse of formatRecord.
func parseRecord(fields []string) (*model.ProxyRecord, error) {
	addr, err := model.ParseAddress(fields[0])
	if err != nil {
		return nil, err
	}

	state, err := model.ParseState(fields[1])
	if err != nil {
		return nil, err
	}

	lastLatencyMs, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last latency: %w", err)
	}
	avgLatencyMs, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid avg latency: %w", err)
	}
	lastCheckedUnix, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}
	lastChangeUnix, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_state_change: %w", err)
	}
	failures, err := strconv.Atoi(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid failure count: %w", err)
	}
	successes, err := strconv.Atoi(fields[9])
	if err != nil {
		return nil, fmt.Errorf("invalid success count: %w", err)
	}

	rec := &model.ProxyRecord{
		Address:     addr,
		State:       state,
		Protocol:    fields[2],
		LastLatency: time.Duration(lastLatencyMs) * time.Millisecond,
		AvgLatency:  time.Duration(avgLatencyMs) * time.Millisecond,
		Failures:    failures,
		Successes:   successes,
	}
	if fields[3] != "" {
		rec.Sources = strings.Split(fields[3], ",")
	}
	if lastCheckedUnix > 0 {
		rec.LastCheckedAt = time.Unix(lastCheckedUnix, 0).UTC()
	}
	if lastChangeUnix > 0 {
		rec.LastStateChangeAt = time.Unix(lastChangeUnix, 0).UTC()
	}
	return rec, nil
}
