// Package api provides the REST surface the sampler UI consumes: job
// control, live status and log polling, axis jogging, configuration,
// plus a websocket status stream and prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"sampler-go/pkg/controller"
	"sampler-go/pkg/errors"
	"sampler-go/pkg/executor"
	"sampler-go/pkg/kinematics"
	"sampler-go/pkg/log"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/metrics"
	"sampler-go/pkg/protocol"
	"sampler-go/pkg/state"

	"github.com/gorilla/websocket"
)

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":8080").
	Addr string

	// Controller is the motion entry point.
	Controller *controller.Controller

	// Metrics is optional; when set, /metrics is served and job
	// counters are exported.
	Metrics *metrics.Metrics

	// ConfigPath, when set, persists config replacements to disk.
	ConfigPath string
}

// Server is the HTTP/WebSocket front of the execution controller.
type Server struct {
	ctrl       *controller.Controller
	metrics    *metrics.Metrics
	configPath string
	httpServer *http.Server
	addr       string
	wsUpgrader websocket.Upgrader
	logger     *log.Logger
}

// New creates a server. Start must be called to begin listening.
func New(cfg Config) *Server {
	return &Server{
		ctrl:       cfg.Controller,
		metrics:    cfg.Metrics,
		configPath: cfg.ConfigPath,
		addr:       cfg.Addr,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.GetLogger("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /pipetting/execute", s.handleExecute)
	mux.HandleFunc("POST /pipetting/stop", s.handleStop)
	mux.HandleFunc("POST /pipetting/home", s.handleHome)
	mux.HandleFunc("POST /pipetting/move-to-well", s.handleMoveToWell)
	mux.HandleFunc("POST /pipetting/aspirate", s.handleAspirate)
	mux.HandleFunc("POST /pipetting/dispense", s.handleDispense)
	mux.HandleFunc("POST /pipetting/toggle-z", s.handleToggleZ)
	mux.HandleFunc("POST /pipetting/set-pipette-count", s.handleSetPipetteCount)
	mux.HandleFunc("GET /pipetting/status", s.handleStatus)
	mux.HandleFunc("GET /pipetting/logs", s.handleLogs)

	mux.HandleFunc("POST /axis/move", s.handleAxisMove)
	mux.HandleFunc("GET /axis/positions", s.handlePositions)
	mux.HandleFunc("GET /axis/limits", s.handleLimits)

	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /config", s.handleSetConfig)

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.corsMiddleware(mux)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.logger.Info("API server listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop closes the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP codes: 400 validation,
// 409 busy or state-disallowed, 503 MCU disconnected, 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, errors.ErrBusy), errors.Is(err, errors.ErrNotInitialized):
		code = http.StatusConflict
	case errors.Is(err, errors.ErrLinkLost):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return false
	}
	return true
}

// stepPayload is the UI's step encoding.
type stepPayload struct {
	PickupWell         string  `json:"pickupWell"`
	DropoffWell        string  `json:"dropoffWell,omitempty"`
	RinseWell          string  `json:"rinseWell,omitempty"`
	VolumeML           float64 `json:"volume"`
	WaitSeconds        int     `json:"waitTime"`
	Cycles             int     `json:"cycles"`
	PipetteCount       int     `json:"pipetteCount"`
	RepetitionMode     string  `json:"repetitionMode"`
	RepetitionQuantity int     `json:"repetitionQuantity"`
	RepetitionInterval float64 `json:"repetitionInterval"`
	RepetitionDuration float64 `json:"repetitionDuration"`
}

func (p *stepPayload) toStep() (executor.Step, error) {
	pickup, err := kinematics.ParseWell(p.PickupWell)
	if err != nil {
		return executor.Step{}, err
	}
	step := executor.Step{
		Pickup:       pickup,
		VolumeML:     p.VolumeML,
		Wait:         time.Duration(p.WaitSeconds) * time.Second,
		Cycles:       p.Cycles,
		PipetteCount: p.PipetteCount,
	}
	if step.Cycles == 0 {
		step.Cycles = 1
	}
	if step.PipetteCount == 0 {
		step.PipetteCount = 1
	}
	if p.DropoffWell != "" {
		w, err := kinematics.ParseWell(p.DropoffWell)
		if err != nil {
			return executor.Step{}, err
		}
		step.Dropoff = &w
	}
	if p.RinseWell != "" {
		w, err := kinematics.ParseWell(p.RinseWell)
		if err != nil {
			return executor.Step{}, err
		}
		step.Rinse = &w
	}

	switch p.RepetitionMode {
	case "", string(executor.ModeQuantity):
		count := p.RepetitionQuantity
		if count == 0 {
			count = 1
		}
		step.Repetition = executor.Repetition{Mode: executor.ModeQuantity, Count: count}
	case string(executor.ModeTime):
		step.Repetition = executor.Repetition{
			Mode:     executor.ModeTime,
			Interval: time.Duration(p.RepetitionInterval * float64(time.Second)),
			Duration: time.Duration(p.RepetitionDuration * float64(time.Second)),
		}
	default:
		return executor.Step{}, errors.BadParamError("repetition mode", "must be quantity or timeFrequency")
	}
	return step, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Steps []stepPayload `json:"steps"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	prog := make(executor.Program, 0, len(body.Steps))
	for i := range body.Steps {
		step, err := body.Steps[i].toStep()
		if err != nil {
			writeError(w, err)
			return
		}
		prog = append(prog, step)
	}

	jobID, err := s.ctrl.StartProgram(prog)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "execution started",
		"jobId":   jobID,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"message": "stop requested"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.HomeAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "homed; at A1"})
}

func (s *Server) handleMoveToWell(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WellID string `json:"wellId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	well, err := kinematics.ParseWell(body.WellID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctrl.MoveToWell(well); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "moved to " + well.String()})
}

func (s *Server) handleAspirate(w http.ResponseWriter, r *http.Request) {
	s.handleVolumeOp(w, r, s.ctrl.Aspirate, "aspirated")
}

func (s *Server) handleDispense(w http.ResponseWriter, r *http.Request) {
	s.handleVolumeOp(w, r, s.ctrl.Dispense, "dispensed")
}

func (s *Server) handleVolumeOp(w http.ResponseWriter, r *http.Request, op func(float64) error, verb string) {
	var body struct {
		VolumeML float64 `json:"volume"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := op(body.VolumeML); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": verb + " " + strconv.FormatFloat(body.VolumeML, 'g', -1, 64) + " mL",
	})
}

func (s *Server) handleToggleZ(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Direction string `json:"direction"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	var z state.ZState
	switch body.Direction {
	case "up", "UP":
		z = state.ZUp
	case "down", "DOWN":
		z = state.ZDown
	default:
		writeError(w, errors.BadParamError("direction", "must be UP or DOWN"))
		return
	}
	if err := s.ctrl.ToggleZ(z); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Z " + string(z)})
}

func (s *Server) handleSetPipetteCount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PipetteCount int `json:"pipetteCount"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.ctrl.SetPipetteCount(body.PipetteCount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "pipette count updated",
		"pipetteCount": body.PipetteCount,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lastN := 50
	if raw := r.URL.Query().Get("last_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errors.BadParamError("last_n", "must be a non-negative integer"))
			return
		}
		lastN = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": s.ctrl.Logs(lastN)})
}

// axisMotor maps REST axis names onto wire motor ids.
func axisMotor(axis string) (int, error) {
	switch axis {
	case "x":
		return mcu.MotorX, nil
	case "y":
		return mcu.MotorY, nil
	case "z":
		return mcu.MotorZ, nil
	case "pipette":
		return mcu.MotorPipette, nil
	default:
		return 0, errors.BadAxisError(axis)
	}
}

func (s *Server) handleAxisMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Axis      string `json:"axis"`
		Steps     int    `json:"steps"`
		Direction string `json:"direction"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	motorID, err := axisMotor(body.Axis)
	if err != nil {
		writeError(w, err)
		return
	}
	dir, err := protocol.ParseDirection(body.Direction)
	if err != nil {
		writeError(w, errors.BadParamError("direction", "must be cw or ccw"))
		return
	}
	if body.Steps < 0 {
		writeError(w, errors.BadParamError("steps", "must not be negative"))
		return
	}
	if err := s.ctrl.Jog(motorID, body.Steps, dir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.positions()})
}

func (s *Server) positions() map[string]int {
	tracker := s.ctrl.Tracker()
	return map[string]int{
		"x":       tracker.Position(mcu.MotorX),
		"y":       tracker.Position(mcu.MotorY),
		"z":       tracker.Position(mcu.MotorZ),
		"pipette": tracker.Position(mcu.MotorPipette),
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.positions()})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.ctrl.Limits()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"limits": limits})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Config().ToMap())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if !decodeBody(w, r, &values) {
		return
	}
	snap, err := s.ctrl.ReplaceConfig(values)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.configPath != "" {
		if saveErr := snap.Save(s.configPath); saveErr != nil {
			s.logger.WithError(saveErr).Warn("failed to persist config")
		}
	}
	writeJSON(w, http.StatusOK, snap.ToMap())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.TransportHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "mcu disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
