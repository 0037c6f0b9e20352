package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sampler-go/pkg/config"
	"sampler-go/pkg/controller"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/metrics"
	"sampler-go/pkg/protocol"
)

// perfectMCU executes every command fully and instantly.
type perfectMCU struct{}

func (perfectMCU) Init(int, mcu.Pins) error { return nil }
func (perfectMCU) Step(_, steps int, _ protocol.Direction, _ int, _ bool) (protocol.StepReply, error) {
	return protocol.StepReply{StepsExecuted: steps}, nil
}
func (perfectMCU) Home(int, protocol.Direction, int, int) (protocol.HomeReply, error) {
	return protocol.HomeReply{StepsToHome: 100, Homed: true}, nil
}
func (perfectMCU) MoveBatch(movements []protocol.Movement, _ bool) (protocol.MoveBatchReply, error) {
	var reply protocol.MoveBatchReply
	for _, m := range movements {
		reply.Results = append(reply.Results, protocol.MotorResult{
			MotorID: m.MotorID, StepsExecuted: m.Steps,
		})
	}
	return reply, nil
}
func (perfectMCU) GetLimits() ([]protocol.LimitState, error) { return nil, nil }
func (perfectMCU) Stop(int) error                            { return nil }
func (perfectMCU) StopAll() error                            { return nil }
func (perfectMCU) Ping() error                               { return nil }
func (perfectMCU) LEDTest(string) error                      { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *controller.Controller) {
	t.Helper()
	ctrl := controller.New(controller.Options{
		Registry:     config.NewRegistry(config.Default()),
		Commander:    perfectMCU{},
		RingCapacity: 128,
	})
	srv := New(Config{Controller: ctrl, Metrics: metrics.New()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl
}

func post(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func home(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp := post(t, ts, "/pipetting/home", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("home returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var status struct {
		Initialized      bool   `json:"initialized"`
		CurrentOperation string `json:"current_operation"`
		ZState           string `json:"z_state"`
	}
	decode(t, get(t, ts, "/pipetting/status"), &status)
	if status.Initialized {
		t.Error("must start uninitialized")
	}
	if status.CurrentOperation != "idle" || status.ZState != "UP" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestMotionRequiresHome(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts, "/pipetting/move-to-well", map[string]string{"wellId": "B2"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 before homing, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHomeThenMove(t *testing.T) {
	ts, _ := newTestServer(t)
	home(t, ts)

	resp := post(t, ts, "/pipetting/move-to-well", map[string]string{"wellId": "B2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	var positions struct {
		Positions map[string]int `json:"positions"`
	}
	decode(t, get(t, ts, "/axis/positions"), &positions)
	if positions.Positions["x"] != 400 || positions.Positions["y"] != 400 {
		t.Errorf("unexpected positions: %+v", positions.Positions)
	}
}

func TestInvalidWellRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	home(t, ts)

	resp := post(t, ts, "/pipetting/move-to-well", map[string]string{"wellId": "Z99"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad well, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExecuteAndLogs(t *testing.T) {
	ts, ctrl := newTestServer(t)
	home(t, ts)

	resp := post(t, ts, "/pipetting/execute", map[string]interface{}{
		"steps": []map[string]interface{}{{
			"pickupWell":  "A1",
			"dropoffWell": "A2",
			"rinseWell":   "A3",
			"volume":      0.5,
		}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute returned %d", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decode(t, resp, &accepted)
	if accepted.JobID == "" {
		t.Error("expected a job id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for ctrl.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var logs struct {
		Logs []string `json:"logs"`
	}
	decode(t, get(t, ts, "/pipetting/logs?last_n=100"), &logs)
	joined := strings.Join(logs.Logs, "\n")
	if !strings.Contains(joined, "Sequence complete") {
		t.Errorf("expected completion in logs:\n%s", joined)
	}
}

func TestExecuteBusy(t *testing.T) {
	ts, _ := newTestServer(t)
	home(t, ts)

	// A long wait keeps the job running while we probe.
	resp := post(t, ts, "/pipetting/execute", map[string]interface{}{
		"steps": []map[string]interface{}{{
			"pickupWell":  "A1",
			"dropoffWell": "A2",
			"volume":      0.5,
			"waitTime":    5,
		}},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("execute returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts, "/pipetting/execute", map[string]interface{}{
		"steps": []map[string]interface{}{{
			"pickupWell": "A1", "dropoffWell": "A2", "volume": 0.5,
		}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 busy, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts, "/pipetting/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAxisMoveAndValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	home(t, ts)

	resp := post(t, ts, "/axis/move", map[string]interface{}{
		"axis": "x", "steps": 400, "direction": "cw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("axis move returned %d", resp.StatusCode)
	}
	var moved struct {
		Positions map[string]int `json:"positions"`
	}
	decode(t, resp, &moved)
	if moved.Positions["x"] != 400 {
		t.Errorf("unexpected positions: %+v", moved.Positions)
	}

	resp = post(t, ts, "/axis/move", map[string]interface{}{
		"axis": "warp", "steps": 1, "direction": "cw",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad axis, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConfigEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var current map[string]string
	decode(t, get(t, ts, "/config"), &current)
	if current["WELL_SPACING"] != "4" {
		t.Errorf("unexpected config: %v", current)
	}

	current["WELL_SPACING"] = "6"
	resp := post(t, ts, "/config", current)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config post returned %d", resp.StatusCode)
	}
	var updated map[string]string
	decode(t, resp, &updated)
	if updated["WELL_SPACING"] != "6" {
		t.Errorf("config not updated: %v", updated)
	}

	current["WELL_SPACING"] = "-2"
	resp = post(t, ts, "/config", current)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid config, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSetPipetteCount(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts, "/pipetting/set-pipette-count", map[string]int{"pipetteCount": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set-pipette-count returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post(t, ts, "/pipetting/set-pipette-count", map[string]int{"pipetteCount": 2})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for count 2, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestToggleZ(t *testing.T) {
	ts, _ := newTestServer(t)
	home(t, ts)

	resp := post(t, ts, "/pipetting/toggle-z", map[string]string{"direction": "down"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("toggle-z returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	var status struct {
		ZState string `json:"z_state"`
	}
	decode(t, get(t, ts, "/pipetting/status"), &status)
	if status.ZState != "DOWN" {
		t.Errorf("expected Z DOWN, got %s", status.ZState)
	}
}

func TestLimitsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := get(t, ts, "/axis/limits")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("limits returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthzAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = get(t, ts, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics returned %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebSocketStatusStream(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	// The current snapshot arrives immediately.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("first snapshot read failed: %v", err)
	}
	if first["current_operation"] != "idle" {
		t.Errorf("unexpected first snapshot: %v", first)
	}

	// A home run publishes new snapshots onto the stream.
	home(t, ts)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next map[string]interface{}
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("stream read failed: %v", err)
	}
}
