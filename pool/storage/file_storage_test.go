package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_pool/pool/model"
)

func record(host string, port int, state model.State) *model.ProxyRecord {
	now := time.Unix(1700000000, 0).UTC()
	return &model.ProxyRecord{
		Address:           model.ProxyAddress{Host: host, Port: port},
		Sources:           []string{"s1", "s2"},
		Protocol:          "http",
		State:             state,
		Successes:         3,
		LastLatency:       120 * time.Millisecond,
		AvgLatency:        150 * time.Millisecond,
		LastCheckedAt:     now,
		LastStateChangeAt: now.Add(-time.Hour),
	}
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	// A persisted snapshot must reload with identical state and counters
	// for every address.
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	snap := &model.PoolSnapshot{
		TakenAt: time.Now().UTC(),
		Records: []*model.ProxyRecord{
			record("1.2.3.4", 8080, model.StateWorking),
			record("5.6.7.8", 1080, model.StateDead),
		},
	}
	snap.Records[1].Successes = 0
	snap.Records[1].Failures = 4
	snap.Records[1].LastLatency = 0
	snap.Records[1].AvgLatency = 0

	require.NoError(t, fs.Save(snap))

	loaded, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byAddr := make(map[string]*model.ProxyRecord)
	for _, rec := range loaded {
		byAddr[rec.Address.String()] = rec
	}

	w := byAddr["1.2.3.4:8080"]
	require.NotNil(t, w)
	assert.Equal(t, model.StateWorking, w.State)
	assert.Equal(t, 3, w.Successes)
	assert.Equal(t, 0, w.Failures)
	assert.Equal(t, 120*time.Millisecond, w.LastLatency)
	assert.Equal(t, 150*time.Millisecond, w.AvgLatency)
	assert.Equal(t, []string{"s1", "s2"}, w.Sources)
	assert.Equal(t, int64(1700000000), w.LastCheckedAt.Unix())

	d := byAddr["5.6.7.8:1080"]
	require.NotNil(t, d)
	assert.Equal(t, model.StateDead, d.State)
	assert.Equal(t, 4, d.Failures)
	assert.Zero(t, d.LastLatency)
}

func TestLoad_MissingFileYieldsEmptyPool(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	records, err := fs.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	good := formatRecord(record("1.2.3.4", 80, model.StateWorking))
	content := "garbage line\n" + good + "\ntoo|few|fields\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, poolFileName), []byte(content), 0644))

	records, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1.2.3.4:80", records[0].Address.String())
}

func TestExportWorking_FastestFirst(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	slow := record("9.9.9.9", 80, model.StateWorking)
	slow.AvgLatency = 900 * time.Millisecond
	fast := record("1.1.1.1", 80, model.StateWorking)
	fast.AvgLatency = 50 * time.Millisecond
	dead := record("3.3.3.3", 80, model.StateDead)

	snap := &model.PoolSnapshot{
		TakenAt: time.Now().UTC(),
		Records: []*model.ProxyRecord{slow, fast, dead},
	}
	require.NoError(t, fs.ExportWorking(snap))

	data, err := os.ReadFile(filepath.Join(dir, workingFileName))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "dead records must not be exported")
	assert.Equal(t, "1.1.1.1:80", lines[0])
	assert.Equal(t, "9.9.9.9:80", lines[1])
}

func TestWriteStatus(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	require.NoError(t, fs.WriteStatus(map[string]any{"state": "running", "pool_size": 7}))

	data, err := os.ReadFile(filepath.Join(dir, statusFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state": "running"`)
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLivenessMarker_AcquireRelease(t *testing.T) {
	dir := t.TempDir()

	m := NewLivenessMarker(dir)
	stale, err := m.Acquire()
	require.NoError(t, err)
	assert.False(t, stale)
	assert.NotEmpty(t, m.RunID)
	assert.Equal(t, os.Getpid(), m.PID)

	// A live marker blocks a second daemon.
	m2 := NewLivenessMarker(dir)
	_, err = m2.Acquire()
	assert.Error(t, err)

	require.NoError(t, m.Release())
	_, err = os.Stat(filepath.Join(dir, markerFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestLivenessMarker_StaleRecovery(t *testing.T) {
	dir := t.TempDir()

	// Fabricate a marker from a process that no longer exists.
	stalePID := 1 << 30 // far beyond any real pid space
	staleMarker := `{"run_id":"dead-run","pid":` + strconv.Itoa(stalePID) + `,"hostname":"h","started_at":"2023-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, markerFileName), []byte(staleMarker), 0644))

	m := NewLivenessMarker(dir)
	stale, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, stale, "dead pid must be recovered as stale, not fatal")
	assert.NotEqual(t, "dead-run", m.RunID)
}

func TestLivenessMarker_CorruptMarkerIsStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, markerFileName), []byte("{not json"), 0644))

	m := NewLivenessMarker(dir)
	stale, err := m.Acquire()
	require.NoError(t, err)
	assert.True(t, stale)
}
