// samplerd is the motion-control host of the laboratory pipetting
// sampler. It drives the four-axis stepper MCU over a serial link (or
// a socket to the mock firmware) and serves the REST/WebSocket API the
// plate UI consumes.
//
// Usage:
//
//	samplerd -device /dev/ttyACM0 [options]
//
// Options:
//
//	-device string   MCU device: serial path, unix://PATH, or tcp://HOST:PORT (required)
//	-config string   Hardware configuration file (key=value)
//	-addr string     API listen address (default ":8080")
//	-logfile string  Rotating log file path (default: stderr only)
//	-baud int        Serial baud rate (default 115200)
//	-trace           Log every MCU frame (forces DEBUG level)
//
// Examples:
//
//	# Against real hardware
//	samplerd -device /dev/ttyACM0 -config /etc/sampler.conf
//
//	# Against the mock firmware
//	mock-mcu -listen unix:///tmp/sampler-mcu &
//	samplerd -device unix:///tmp/sampler-mcu
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sampler-go/pkg/api"
	"sampler-go/pkg/config"
	"sampler-go/pkg/controller"
	"sampler-go/pkg/errors"
	"sampler-go/pkg/log"
	"sampler-go/pkg/mcu"
	"sampler-go/pkg/metrics"
	"sampler-go/pkg/transport"
)

func main() {
	device := flag.String("device", "", "MCU device: serial path, unix://PATH, or tcp://HOST:PORT (required)")
	configFile := flag.String("config", "", "Hardware configuration file (key=value)")
	addr := flag.String("addr", ":8080", "API listen address")
	logFile := flag.String("logfile", "", "Rotating log file path")
	baud := flag.Int("baud", transport.DefaultBaud, "Serial baud rate")
	trace := flag.Bool("trace", false, "Log every MCU frame (forces DEBUG level)")
	flag.Parse()

	if *device == "" {
		fmt.Fprintln(os.Stderr, "Error: -device is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("samplerd")
	log.ConfigureFromEnv(logger)
	if *logFile != "" {
		fileLogger, writer, err := log.NewFileLogger("samplerd", log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer writer.Close()
		logger = fileLogger
	}
	if *trace {
		logger.SetLevel(log.DEBUG)
	}
	log.SetDefaultLogger(logger)

	logger.Info("========================================")
	logger.Info("Sampler Host Starting")
	logger.Info("========================================")

	// Load hardware configuration over defaults.
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Error("config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	registry := config.NewRegistry(cfg)

	logger.Info("Device: %s", *device)
	logger.Info("API: %s", *addr)
	logger.Info("Well spacing: %.1f mm, steps/mm X/Y/Z: %d/%d/%d",
		cfg.WellSpacingMM, cfg.StepsPerMMX, cfg.StepsPerMMY, cfg.StepsPerMMZ)

	// Connect the MCU link.
	tr := transport.New(transport.DeviceDialer(*device, *baud))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger.Info("Connecting to MCU...")
	if err := tr.ReconnectWithBackoff(ctx); err != nil {
		logger.Error("MCU connect: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	m := metrics.New()
	client := mcu.NewClient(tr, time.Duration(cfg.MCUTimeoutMS)*time.Millisecond)
	commander := m.InstrumentCommander(client)

	if err := commander.Ping(); err != nil {
		logger.Error("MCU not responding: %v", err)
		os.Exit(1)
	}
	logger.Info("MCU responding")

	// Configure the motors with their firmware pin map.
	for id := mcu.MotorX; id <= mcu.MotorPipette; id++ {
		if err := commander.Init(id, mcu.DefaultPins[id]); err != nil {
			logger.Error("init motor %d: %v", id, err)
			os.Exit(1)
		}
	}
	logger.Info("Motors initialized")

	ctrl := controller.New(controller.Options{
		Registry:  registry,
		Commander: commander,
		Transport: tr,
		Hooks: controller.Hooks{
			JobStarted: func() { m.JobsStarted.Inc() },
			JobFinished: func(err error) {
				switch {
				case err == nil:
					m.JobsCompleted.Inc()
					commander.LEDTest("success")
				case errors.Is(err, errors.ErrStopped):
					m.JobsStopped.Inc()
				default:
					m.JobsFailed.Inc()
					commander.LEDTest("error")
				}
			},
		},
	})

	go ctrl.SuperviseTransport(ctx)

	server := api.New(api.Config{
		Addr:       *addr,
		Controller: ctrl,
		Metrics:    m,
		ConfigPath: *configFile,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	logger.Info("========================================")
	logger.Info("Sampler Host Ready")
	logger.Info("API: http://localhost%s", *addr)
	logger.Info("Press Ctrl+C to stop")
	logger.Info("========================================")

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		logger.Error("API server: %v", err)
	}

	ctrl.Stop()
	server.Stop()
	cancel()
	logger.Info("Sampler Host stopped")
}
