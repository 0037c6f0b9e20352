// Package metrics exposes prometheus instrumentation for the sampler
// host: job outcomes, MCU round-trips, and link reconnects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sampler-go/pkg/mcu"
	"sampler-go/pkg/protocol"
)

// Metrics bundles the sampler's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	JobsStarted   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsStopped   prometheus.Counter

	Requests   *prometheus.CounterVec
	Latency    prometheus.Histogram
	Reconnects prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampler_jobs_started_total",
			Help: "Motion jobs accepted by the execution controller.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampler_jobs_completed_total",
			Help: "Motion jobs that reached their terminal state without error.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampler_jobs_failed_total",
			Help: "Motion jobs that ended in an error state.",
		}),
		JobsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampler_jobs_stopped_total",
			Help: "Motion jobs cancelled by the user.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sampler_mcu_requests_total",
			Help: "MCU commands by command tag and outcome.",
		}, []string{"cmd", "outcome"}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sampler_mcu_request_seconds",
			Help:    "MCU command round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampler_mcu_reconnects_total",
			Help: "MCU link reconnect attempts that succeeded.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsStarted, m.JobsCompleted, m.JobsFailed, m.JobsStopped,
		m.Requests, m.Latency, m.Reconnects,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() (int, error) {
	families, err := m.registry.Gather()
	return len(families), err
}

// InstrumentCommander wraps a Commander, counting every MCU command
// and observing its latency.
func (m *Metrics) InstrumentCommander(inner mcu.Commander) mcu.Commander {
	return &instrumented{inner: inner, m: m}
}

type instrumented struct {
	inner mcu.Commander
	m     *Metrics
}

func (i *instrumented) observe(cmd string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.m.Requests.WithLabelValues(cmd, outcome).Inc()
	i.m.Latency.Observe(time.Since(start).Seconds())
}

func (i *instrumented) Init(motorID int, pins mcu.Pins) error {
	start := time.Now()
	err := i.inner.Init(motorID, pins)
	i.observe("init_motor", start, err)
	return err
}

func (i *instrumented) Step(motorID, steps int, dir protocol.Direction, delayUS int, respectLimit bool) (protocol.StepReply, error) {
	start := time.Now()
	reply, err := i.inner.Step(motorID, steps, dir, delayUS, respectLimit)
	i.observe("step", start, err)
	return reply, err
}

func (i *instrumented) Home(motorID int, dir protocol.Direction, delayUS, maxSteps int) (protocol.HomeReply, error) {
	start := time.Now()
	reply, err := i.inner.Home(motorID, dir, delayUS, maxSteps)
	i.observe("home_motor", start, err)
	return reply, err
}

func (i *instrumented) MoveBatch(movements []protocol.Movement, respectLimits bool) (protocol.MoveBatchReply, error) {
	start := time.Now()
	reply, err := i.inner.MoveBatch(movements, respectLimits)
	i.observe("move_batch", start, err)
	return reply, err
}

func (i *instrumented) GetLimits() ([]protocol.LimitState, error) {
	start := time.Now()
	limits, err := i.inner.GetLimits()
	i.observe("get_limits", start, err)
	return limits, err
}

func (i *instrumented) Stop(motorID int) error {
	start := time.Now()
	err := i.inner.Stop(motorID)
	i.observe("stop", start, err)
	return err
}

func (i *instrumented) StopAll() error {
	start := time.Now()
	err := i.inner.StopAll()
	i.observe("stop_all", start, err)
	return err
}

func (i *instrumented) Ping() error {
	start := time.Now()
	err := i.inner.Ping()
	i.observe("ping", start, err)
	return err
}

func (i *instrumented) LEDTest(pattern string) error {
	start := time.Now()
	err := i.inner.LEDTest(pattern)
	i.observe("led_test", start, err)
	return err
}
