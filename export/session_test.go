package export

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/efield-lab/goaefi/sample"
)

func scriptedSample(i int) sample.Sample {
	return sample.Sample{
		Seq:        uint64(i),
		T:          float64(i) * 0.02,
		Volts:      []float64{0.001 * float64(i), -0.001 * float64(i)},
		Segment:    "line-1",
		ActiveLine: true,
	}
}

// readCSV splits an export file into comment lines and data rows.
func readCSV(t *testing.T, path string) (comments, rows []string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "# ") {
			comments = append(comments, line)
		} else if line != "" {
			rows = append(rows, line)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return comments, rows
}

func TestSessionCompleteness(t *testing.T) {
	const n = 250
	path := filepath.Join(t.TempDir(), "run.csv")
	rec, err := NewCSVRecorder(path, 2, map[string]string{
		"config_hash": "sha256:abc",
		"started_at":  "2026-08-31T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(rec, Config{SwapThreshold: 100, ConfigHash: "sha256:abc"})
	for i := 0; i < n; i++ {
		if !s.Offer(scriptedSample(i)) {
			t.Fatalf("sample %d dropped", i)
		}
	}
	sum, err := s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if sum.SamplesWritten != n {
		t.Errorf("summary reports %d samples, want %d", sum.SamplesWritten, n)
	}
	if sum.Dropped != 0 {
		t.Errorf("summary reports %d drops, want 0", sum.Dropped)
	}
	if sum.ConfigHash != "sha256:abc" {
		t.Errorf("summary hash %q, want sha256:abc", sum.ConfigHash)
	}

	comments, rows := readCSV(t, path)
	// rows includes the column header line
	if len(rows) != n+1 {
		t.Errorf("file holds %d data rows, want %d", len(rows)-1, n)
	}
	if rows[0] != "index,timestamp_rel,segment_id,is_active_line,ch1_v,ch2_v" {
		t.Errorf("column header is %q", rows[0])
	}
	var sawHash, sawCount, sawCRC bool
	for _, c := range comments {
		switch {
		case c == "# config_hash,sha256:abc":
			sawHash = true
		case c == "# samples_written,250":
			sawCount = true
		case strings.HasPrefix(c, "# body_crc16,"):
			sawCRC = true
		}
	}
	if !sawHash {
		t.Error("header is missing the config hash")
	}
	if !sawCount {
		t.Error("footer is missing samples_written")
	}
	if !sawCRC {
		t.Error("footer is missing the body checksum")
	}
}

func TestSessionRowsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.csv")
	rec, err := NewCSVRecorder(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(rec, Config{SwapThreshold: 7})
	for i := 0; i < 40; i++ {
		s.Offer(scriptedSample(i))
	}
	if _, err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	_, rows := readCSV(t, path)
	for i, row := range rows[1:] { // skip column header
		if !strings.HasPrefix(row, strconv.Itoa(i)+",") {
			t.Fatalf("row %d starts %q; order not preserved", i, row)
		}
	}
}

func TestSessionStopFlushesPartialBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.csv")
	rec, err := NewCSVRecorder(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(rec, Config{SwapThreshold: 100})
	s.Offer(scriptedSample(0))

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := s.Stop()
		done <- result{sum, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.sum.SamplesWritten != 1 {
			t.Errorf("summary reports %d samples, want 1", r.sum.SamplesWritten)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with a sub-threshold buffer pending")
	}
	_, rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Errorf("file holds %d data rows, want 1", len(rows)-1)
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.csv")
	rec, err := NewCSVRecorder(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession(rec, Config{SwapThreshold: 10})
	s.Offer(scriptedSample(0))
	first, err := s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Stop()
	if err != nil {
		t.Errorf("second Stop errored: %v", err)
	}
	if first != second {
		t.Error("second Stop returned a different summary")
	}
}

func TestSessionCountsDrops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drops.csv")
	rec, err := NewCSVRecorder(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	// slowRecorder never returns from WriteBatch until allowed, so the
	// second swap can't complete in time
	slow := &slowRecorder{Recorder: rec, gate: make(chan struct{})}
	s := NewSession(slow, Config{SwapThreshold: 2, AppendWait: 5 * time.Millisecond})
	dropped := 0
	for i := 0; i < 10; i++ {
		if !s.Offer(scriptedSample(i)) {
			dropped++
		}
	}
	close(slow.gate)
	sum, err := s.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if dropped == 0 {
		t.Error("no Offer reported a drop despite a stalled writer")
	}
	if sum.Dropped != uint64(dropped) {
		t.Errorf("summary counts %d drops, Offer reported %d", sum.Dropped, dropped)
	}
}

type slowRecorder struct {
	Recorder
	gate chan struct{}
}

func (r *slowRecorder) WriteBatch(b []sample.Sample) error {
	<-r.gate
	return r.Recorder.WriteBatch(b)
}

func TestSessionHaltsAfterDiskError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.csv")
	rec, err := NewCSVRecorder(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	fr := &failingRecorder{Recorder: rec, failOn: 2}
	s := NewSession(fr, Config{SwapThreshold: 10, AppendWait: 50 * time.Millisecond})
	rejected := false
	for i := 0; i < 40; i++ {
		if !s.Offer(scriptedSample(i)) {
			rejected = true
		}
	}
	if !rejected {
		t.Error("Offer kept accepting samples after the write failure")
	}
	if s.Err() == nil {
		t.Error("Err reports nil after a failed batch write")
	}
	sum, err := s.Stop()
	if err == nil {
		t.Fatal("Stop returned nil after a failed batch write")
	}
	// the file body is a gapless prefix: only the batches before the
	// failure, nothing written around the hole
	_, rows := readCSV(t, path)
	for i, row := range rows[1:] {
		if !strings.HasPrefix(row, strconv.Itoa(i)+",") {
			t.Fatalf("row %d starts %q; the file body has a gap", i, row)
		}
	}
	if uint64(len(rows)-1) != sum.SamplesWritten {
		t.Errorf("file holds %d rows but summary says %d", len(rows)-1, sum.SamplesWritten)
	}
	if len(rows)-1 >= 20 {
		t.Errorf("file holds %d rows; writing continued past the failed batch", len(rows)-1)
	}
}

type failingRecorder struct {
	Recorder
	failOn int
	calls  int
}

func (r *failingRecorder) WriteBatch(b []sample.Sample) error {
	r.calls++
	if r.calls == r.failOn {
		return errors.New("disk full")
	}
	return r.Recorder.WriteBatch(b)
}
