// Package bus wires the printer driver to the remote message broker:
// one consumer per request topic (command, check, start, stop, pause),
// filtering every inbound message by driver id and replying on the
// matching response topic where one exists. Heartbeats are published on
// a timer; the heartbeat request topic is not consumed.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"

	"github.com/robodone/printer-driver-core/internal/bus/model"
	"github.com/robodone/printer-driver-core/internal/driver"
	"github.com/robodone/printer-driver-core/internal/job"
	"github.com/robodone/printer-driver-core/internal/jobtracker"
)

// Topic names for the four message families.
const (
	TopicHeartbeatRequest  = "printer-heartbeat-request"
	TopicHeartbeatResponse = "printer-heartbeat-response"
	TopicCommandRequest    = "printer-command-request"
	TopicCommandResponse   = "printer-command-response"
	TopicCheckRequest      = "printer-check-request"
	TopicCheckResponse     = "printer-check-response"
	TopicStartRequest      = "printer-start-request"
	TopicStopRequest       = "printer-stop-request"
	TopicPauseRequest      = "printer-pause-request"
)

// channelSuffix is appended to the driver id to form the consumer channel
// name; every driver instance gets its own channel so NSQD fans each request out to all listening drivers,
// each of which then filters by driverId.
const channelSuffix = "driver"

// Controller owns the NSQ consumers/producer for one driver instance
// and dispatches inbound requests into the driver/job/queue/state
// components.
type Controller struct {
	log      *logrus.Entry
	driverID string

	nsqd           string
	nsqLookupd     []string
	heartbeatEvery time.Duration

	producer *nsq.Producer
	drv      *driver.Driver
	jobs     *job.Manager
	tracker  *jobtracker.Tracker

	consumers []*nsq.Consumer
}

// Options configures a Controller.
type Options struct {
	DriverID   string
	NSQLookupd []string // lookupd addresses; if empty, NSQD is used directly
	NSQD       string   // nsqd TCP address, used both to publish and (if NSQLookupd is empty) to consume

	// HeartbeatEvery defaults to 5s when zero.
	HeartbeatEvery time.Duration
}

// NewController builds a Controller and creates its producer (go-nsq
// connects it on the first publish), but does not yet subscribe to any
// topic; call Run to start consuming.
func NewController(opts Options, drv *driver.Driver, jobs *job.Manager, tracker *jobtracker.Tracker, log *logrus.Entry) (*Controller, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg := nsq.NewConfig()
	producer, err := nsq.NewProducer(opts.NSQD, cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: creating producer: %w", err)
	}
	every := opts.HeartbeatEvery
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Controller{
		log:            log.WithField("component", "bus"),
		driverID:       opts.DriverID,
		nsqd:           opts.NSQD,
		nsqLookupd:     opts.NSQLookupd,
		heartbeatEvery: every,
		producer:       producer,
		drv:            drv,
		jobs:           jobs,
		tracker:        tracker,
	}, nil
}

// Run subscribes every consumer and blocks until ctx is cancelled, then
// stops all consumers and the producer cleanly.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.subscribe(TopicCommandRequest, c.handleCommand); err != nil {
		return err
	}
	if err := c.subscribe(TopicCheckRequest, c.handleCheck); err != nil {
		return err
	}
	if err := c.subscribe(TopicStartRequest, c.handleStart); err != nil {
		return err
	}
	if err := c.subscribe(TopicStopRequest, c.handleStop); err != nil {
		return err
	}
	if err := c.subscribe(TopicPauseRequest, c.handlePause); err != nil {
		return err
	}

	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return nil
		case <-ticker.C:
			c.publishHeartbeat()
		}
	}
}

// Stop disconnects every consumer and the producer.
func (c *Controller) Stop() {
	for _, con := range c.consumers {
		con.Stop()
		<-con.StopChan
	}
	c.producer.Stop()
}

func (c *Controller) subscribe(topic string, handle nsq.HandlerFunc) error {
	cfg := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(topic, c.driverID+"-"+channelSuffix, cfg)
	if err != nil {
		return fmt.Errorf("bus: creating consumer for %s: %w", topic, err)
	}
	consumer.SetLogger(nil, nsq.LogLevelWarning)
	consumer.AddHandler(handle)

	if len(c.nsqLookupd) > 0 {
		if err := consumer.ConnectToNSQLookupds(c.nsqLookupd); err != nil {
			return fmt.Errorf("bus: connecting %s to lookupd: %w", topic, err)
		}
	} else {
		if err := consumer.ConnectToNSQD(c.nsqd); err != nil {
			return fmt.Errorf("bus: connecting %s to nsqd: %w", topic, err)
		}
	}
	c.consumers = append(c.consumers, consumer)
	return nil
}

func (c *Controller) publish(topic string, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		c.log.WithError(err).WithField("topic", topic).Error("marshalling outbound message")
		return
	}
	if err := c.producer.Publish(topic, body); err != nil {
		c.log.WithError(err).WithField("topic", topic).Error("publishing message")
	}
}

func (c *Controller) publishHeartbeat() {
	c.publish(TopicHeartbeatResponse, model.HeartbeatResponse{
		DriverID:   c.driverID,
		StatusCode: statusCode(c.jobs.State()),
	})
}

// statusCode maps the job manager's fine-grained state to the
// three-letter heartbeat status code.
func statusCode(s job.State) string {
	switch s {
	case job.StateIdle, job.StateCancelled:
		return model.StatusIdle
	case job.StateLoading, job.StatePreCheck, job.StateHeating, job.StateReady, job.StatePrinting, job.StateFinishing:
		return model.StatusRunning
	case job.StatePaused:
		return model.StatusPaused
	case job.StateCompleted:
		return model.StatusComplete
	case job.StateError:
		return model.StatusError
	default:
		return model.StatusUnknown
	}
}

func (c *Controller) handleCommand(msg *nsq.Message) error {
	var req model.PrinterCommandRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.WithError(err).Warn("command request: bad json")
		return nil
	}
	if req.DriverID != c.driverID {
		return nil
	}
	resp := model.PrinterCommandResponse{DriverID: c.driverID, RequestID: req.RequestID}
	if err := c.drv.EnqueueLines(req.Command, req.Priority, req.RequestID); err != nil {
		resp.OK = false
		resp.Exception = err.Error()
	} else {
		resp.OK = true
		resp.Info = "enqueued"
	}
	c.publish(TopicCommandResponse, resp)
	return nil
}

func (c *Controller) handleCheck(msg *nsq.Message) error {
	var req model.PrinterCheckRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.WithError(err).Warn("check request: bad json")
		return nil
	}
	if req.DriverID != c.driverID {
		return nil
	}
	c.publish(TopicCheckResponse, c.buildCheckResponse(req))
	return nil
}

func (c *Controller) buildCheckResponse(req model.PrinterCheckRequest) model.PrinterCheckResponse {
	now := time.Now()
	snap := c.drv.Tracker().Snapshot(now)
	stats := c.drv.Queue().Stats()

	hotend, bed := snap.HotendActual, snap.BedActual
	extruderStatus := "stale"
	if hotend.Timestamp.Add(3 * time.Second).After(now) {
		extruderStatus = "fresh"
	}
	fanStatus := "off"
	if snap.FanSpeed > 0 {
		fanStatus = "on"
	}

	inErr, errVal := c.drv.InError()
	exceptions := ""
	if inErr {
		exceptions = errVal.Error()
	}

	var avgSpeed float64
	if c.tracker != nil {
		if progress, ok := c.tracker.Progress(now, "", hotend.Value, bed.Value); ok {
			avgSpeed = progress.AverageSpeed
		}
	}

	return model.PrinterCheckResponse{
		JobID:             req.JobID,
		DriverID:          c.driverID,
		JobStatusCode:     string(c.jobs.State()),
		PrinterStatusCode: statusCode(c.jobs.State()),
		XPosition:         ftoa(snap.XPosition),
		YPosition:         ftoa(snap.YPosition),
		ZPosition:         ftoa(snap.ZPosition),
		EPosition:         ftoa(snap.EPosition),
		Feed:              ftoa(snap.FeedRate),
		Layer:             itoa(snap.Layer),
		LayerHeight:       ftoa(snap.LayerHeight),
		ExtruderStatus:    extruderStatus,
		ExtruderTemp:      ftoa(hotend.Value),
		BedTemp:           ftoa(bed.Value),
		FanStatus:         fanStatus,
		FanSpeed:          itoa(snap.FanSpeed),
		CommandOffset:     utoa(snap.CommandCount),
		LastCommand:       snap.LastCommand,
		AverageSpeed:      ftoa(avgSpeed),
		Exceptions:        exceptions,
		Logs:              utoa(stats.TotalExecuted),
	}
}

func (c *Controller) handleStart(msg *nsq.Message) error {
	var req model.PrinterStartRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.WithError(err).Warn("start request: bad json")
		return nil
	}
	if req.DriverID != c.driverID || !req.Valid() {
		return nil
	}
	// Requests on this topic carry no caller-supplied id, so stamp one
	// purely for correlating the handful of log lines this request emits.
	corrID := uuid.NewString()
	log := c.log.WithField("correlation_id", corrID)

	ctx := context.Background()
	if req.GcodeURL != "" {
		jobID := req.DriverID + "-" + utoa64(time.Now().UnixNano())
		if err := c.jobs.StartPrintJobFromURL(ctx, req.GcodeURL, jobID); err != nil {
			log.WithError(err).Warn("start request: rejected")
		}
		return nil
	}
	// startGCode-only requests are not a job: they execute directly at
	// control priority, with no job-tracker registration or pre-checks.
	text := req.StartGCode
	if req.EndGCode != "" {
		text += ";" + req.EndGCode
	}
	if err := c.drv.EnqueueLines(text, job.ControlPriority, ""); err != nil {
		log.WithError(err).Warn("start request: rejected")
	}
	return nil
}

func (c *Controller) handleStop(msg *nsq.Message) error {
	var req model.PrinterStopRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.WithError(err).Warn("stop request: bad json")
		return nil
	}
	if req.DriverID != c.driverID {
		return nil
	}
	if err := c.jobs.CancelJob(context.Background()); err != nil {
		c.log.WithError(err).Warn("stop request: no active job")
	}
	return nil
}

func (c *Controller) handlePause(msg *nsq.Message) error {
	var req model.PrinterPauseRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.WithError(err).Warn("pause request: bad json")
		return nil
	}
	if req.DriverID != c.driverID {
		return nil
	}
	switch c.jobs.State() {
	case job.StatePrinting:
		if err := c.jobs.PauseJob(context.Background()); err != nil {
			c.log.WithError(err).Warn("pause request: rejected")
		}
	case job.StatePaused:
		if err := c.jobs.ResumeJob(context.Background()); err != nil {
			c.log.WithError(err).Warn("resume request: rejected")
		}
	}
	return nil
}
