// Command driver boots the printer driver core: it opens the serial
// connection, wires the protocol engine, priority queue, state tracker,
// G-code translator, job manager and remote-bus controller, then runs
// until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robodone/robosla-common/pkg/autoupdate"
	"github.com/sirupsen/logrus"

	"github.com/robodone/printer-driver-core/internal/bus"
	"github.com/robodone/printer-driver-core/internal/config"
	"github.com/robodone/printer-driver-core/internal/driver"
	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/gcode/dispatch"
	"github.com/robodone/printer-driver-core/internal/job"
	"github.com/robodone/printer-driver-core/internal/jobtracker"
	"github.com/robodone/printer-driver-core/internal/logging"
	"github.com/robodone/printer-driver-core/internal/metrics"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/queue"
	"github.com/robodone/printer-driver-core/internal/serialio"
	"github.com/robodone/printer-driver-core/internal/state"
	"github.com/robodone/printer-driver-core/internal/sysmonitor"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

var (
	showVersion  = flag.Bool("version", false, "print the version and exit")
	virtual      = flag.Bool("virtual", false, "run without an attached printer, for shell/dry-run testing")
	noAutoupdate = flag.Bool("no_autoupdate", false, "disable the background self-update checker")
)

func failf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		failf("config: %v", err)
	}

	log, rotationCron, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		failf("logging: %v", err)
	}
	defer rotationCron.Stop()
	entry := logrus.NewEntry(log).WithField("driver_id", cfg.DriverID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := connectSerial(ctx, cfg, entry)
	if err != nil {
		failf("serial: %v", err)
	}
	defer conn.Close()

	eng := protocol.New(conn, entry.WithField("component", "protocol"))
	eng.ResponseTimeout = cfg.ProtocolResponseTimeout
	eng.MaxAttempts = cfg.ProtocolMaxRetries
	q := queue.New(queue.Options{
		MaxInRAM:         cfg.MaxCommandsInRAM,
		PagingBufferSize: cfg.PagingBufferSize,
		DiskDir:          cfg.QueueDiskDir,
		Log:              entry.WithField("component", "queue"),
	})
	defer q.Shutdown()
	tracker := state.New(cfg.TempMaxAge)

	drv := wireDriver(eng, q, tracker, entry)

	jobs := jobtracker.New()
	downloader := job.NewDownloader(os.TempDir(), entry.WithField("component", "downloader"))
	mgr := job.NewManager(drv, jobs, downloader, entry.WithField("component", "job-manager"))

	registry := metrics.NewRegistry()
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			entry.WithError(err).Warn("metrics server stopped")
		}
	}()
	go reportQueueMetrics(ctx, q, registry)

	mon := sysmonitor.New(entry)
	mon.Start()
	defer mon.Stop()

	if !*noAutoupdate && !*virtual {
		go autoupdate.Run(autoupdate.ProdManifestURL, Version, 2*time.Minute, time.Hour)
	}

	controller, err := bus.NewController(bus.Options{
		DriverID:   cfg.DriverID,
		NSQD:       cfg.NSQDTCPAddr,
		NSQLookupd: lookupdAddrs(cfg.NSQLookupdHTTPAddr),
	}, drv, mgr, jobs, entry.WithField("component", "bus"))
	if err != nil {
		failf("bus: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() { errCh <- drv.Run(ctx) }()
	go func() { errCh <- controller.Run(ctx) }()

	select {
	case sig := <-sigCh:
		entry.WithField("signal", sig).Info("shutting down")
	case err := <-errCh:
		entry.WithError(err).Error("component exited unexpectedly")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	for q.Size() > 0 {
		select {
		case <-drainCtx.Done():
			entry.Warn("queue drain timed out")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	cancel()
}

// wireDriver builds the G-code dispatchers, translator and driver façade,
// tying the dispatchers' Sender back to the not-yet-constructed driver
// through a small indirection (the dispatchers need a Sender at
// construction time, the driver needs the finished translator).
func wireDriver(eng *protocol.Engine, q *queue.Queue, tracker *state.Tracker, log *logrus.Entry) *driver.Driver {
	sender := &driverSender{}
	motion := dispatch.NewMotion(sender, tracker)
	extruder := dispatch.NewExtruder(sender)
	fan := dispatch.NewFan(sender, tracker)
	temperature := dispatch.NewTemperature(sender, tracker)
	system := dispatch.NewSystem(sender)
	endstop := dispatch.NewEndstop(sender, tracker)
	history := dispatch.NewHistory(sender)
	translator := gcode.NewTranslator(motion, extruder, fan, temperature, system, endstop, history)

	drv := driver.New(eng, q, tracker, translator, log.WithField("component", "driver"))
	sender.drv = drv
	return drv
}

type driverSender struct {
	drv *driver.Driver
}

func (s *driverSender) Send(ctx context.Context, cmd protocol.Command) protocol.Result {
	return s.drv.Send(ctx, cmd)
}

// connectSerial opens the configured serial port, retrying with backoff
// until ctx is cancelled. In -virtual mode it returns an in-memory pipe
// instead of a physical device.
func connectSerial(ctx context.Context, cfg config.Config, log *logrus.Entry) (io.ReadWriteCloser, error) {
	if *virtual {
		a, _ := net.Pipe()
		return a, nil
	}
	for {
		conn, err := serialio.Open(cfg.SerialPort, cfg.SerialBaudRate)
		if err == nil {
			log.WithField("port", cfg.SerialPort).WithField("baud", cfg.SerialBaudRate).Info("serial port opened")
			return conn, nil
		}
		log.WithError(err).Warn("opening serial port; retrying in 10s")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

// reportQueueMetrics polls the queue's cumulative counters and republishes
// their deltas as Prometheus counter increments, since queue.Stats()
// itself is a point-in-time snapshot rather than an event stream.
func reportQueueMetrics(ctx context.Context, q *queue.Queue, registry *metrics.Registry) {
	var lastEnqueued, lastExecuted, lastErrors, lastPaged uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := q.Stats()
			registry.QueueSize.Set(float64(stats.CurrentQueueSize))
			registry.QueueEnqueued.Add(float64(stats.TotalEnqueued - lastEnqueued))
			registry.QueueExecuted.Add(float64(stats.TotalExecuted - lastExecuted))
			registry.QueueErrors.Add(float64(stats.TotalErrors - lastErrors))
			registry.QueueDiskPaged.Add(float64(stats.DiskPagedCommands - lastPaged))
			lastEnqueued, lastExecuted, lastErrors, lastPaged = stats.TotalEnqueued, stats.TotalExecuted, stats.TotalErrors, stats.DiskPagedCommands
		}
	}
}

func lookupdAddrs(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}
