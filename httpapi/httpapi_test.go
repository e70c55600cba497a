package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"goji.io"

	"github.com/efield-lab/goaefi/acquire"
	"github.com/efield-lab/goaefi/mcu"
)

func newTestServer(t *testing.T) (*httptest.Server, *acquire.Manager) {
	t.Helper()
	sim := mcu.NewSim(mcu.DefaultLayout())
	mgr := acquire.New(acquire.Options{
		Channel:     sim,
		Layout:      mcu.DefaultLayout(),
		PollHz:      500,
		ReadTimeout: 20 * time.Millisecond,
	})
	if err := mgr.Start(); err != nil {
		t.Fatal(err)
	}
	mux := goji.NewMux()
	NewServer(mgr, nil).BindRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		mgr.Stop()
	})
	return srv, mgr
}

func TestStatusRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", resp.StatusCode)
	}
	var st acquire.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Mode != "exploration" {
		t.Errorf("reported mode %q, want exploration", st.Mode)
	}
	if st.ConfigHash == "" {
		t.Error("status carries no config hash")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv, mgr := newTestServer(t)

	body := bytes.NewBufferString(`{"ddsGain":{"1":12000}}`)
	resp, err := http.Post(srv.URL+"/config", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config update returned %d", resp.StatusCode)
	}
	if got := mgr.Config().DDSGain[0]; got != 12000 {
		t.Errorf("gain after update %d, want 12000", got)
	}

	// invalid values are rejected with 422 and leave the config alone
	body = bytes.NewBufferString(`{"adcGain":{"1":7}}`)
	resp, err = http.Post(srv.URL+"/config", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid update returned %d, want 422", resp.StatusCode)
	}
}

func TestExportRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	dir := t.TempDir()

	start, err := json.Marshal(map[string]interface{}{"dir": dir, "name": "httprun"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/export/start", "application/json", bytes.NewReader(start))
	if err != nil {
		t.Fatal(err)
	}
	var started map[string]string
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export start returned %d", resp.StatusCode)
	}
	if started["path"] == "" {
		t.Fatal("export start returned no path")
	}

	time.Sleep(100 * time.Millisecond)

	resp, err = http.Post(srv.URL+"/export/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export stop returned %d", resp.StatusCode)
	}
	var summary struct {
		SamplesWritten uint64 `json:"SamplesWritten"`
		Path           string `json:"Path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Path != started["path"] {
		t.Errorf("summary path %q differs from start path %q", summary.Path, started["path"])
	}
	if summary.SamplesWritten == 0 {
		t.Error("summary reports zero samples")
	}
}

func TestBufferRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	time.Sleep(50 * time.Millisecond) // let some samples accumulate

	resp, err := http.Get(srv.URL + "/buffer")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view acquire.RingView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if len(view.T) == 0 {
		t.Error("ring buffer empty after 50ms of acquisition")
	}
	if len(view.Channels["ch1"]) != len(view.T) {
		t.Error("channel ring length differs from timestamp ring")
	}
}
