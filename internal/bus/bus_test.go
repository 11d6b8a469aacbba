package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"

	"github.com/robodone/printer-driver-core/internal/bus/model"
	"github.com/robodone/printer-driver-core/internal/checksum"
	"github.com/robodone/printer-driver-core/internal/driver"
	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/gcode/dispatch"
	"github.com/robodone/printer-driver-core/internal/job"
	"github.com/robodone/printer-driver-core/internal/jobtracker"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/queue"
	"github.com/robodone/printer-driver-core/internal/state"
)

type fakeSender struct{ drv *driver.Driver }

func (s *fakeSender) Send(ctx context.Context, cmd protocol.Command) protocol.Result {
	return s.drv.Send(ctx, cmd)
}

func newTestController(t *testing.T) (*Controller, func()) {
	t.Helper()
	a, b := net.Pipe()

	go func() {
		scanner := bufio.NewScanner(b)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "A") && len(line) == 4 {
				continue
			}
			n := "0"
			for _, tok := range strings.Fields(line) {
				if strings.HasPrefix(tok, "N") {
					n = tok[1:]
				}
			}
			reply := checksum.Append("OK0 N"+n+" X=0 Y=0 Z=0 TEMP=25") + "\n"
			_ = b.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = b.Write([]byte(reply))
		}
	}()

	eng := protocol.New(a, nil)
	q := queue.New(queue.Options{MaxInRAM: 100, PagingBufferSize: 50})
	tracker := state.New(time.Second)
	sender := &fakeSender{}
	motion := dispatch.NewMotion(sender, tracker)
	translator := gcode.NewTranslator(motion)

	drv := driver.New(eng, q, tracker, translator, nil)
	sender.drv = drv

	ctx, cancel := context.WithCancel(context.Background())
	go drv.Run(ctx)
	_, _ = b.Write([]byte("System ready.\n"))
	require.Eventually(t, eng.Ready, time.Second, 5*time.Millisecond)

	jobs := jobtracker.New()
	downloader := job.NewDownloader(t.TempDir(), nil)
	mgr := job.NewManager(drv, jobs, downloader, nil)

	c := &Controller{driverID: "printer-1", drv: drv, jobs: mgr, tracker: jobs}

	cleanup := func() {
		cancel()
		a.Close()
		b.Close()
	}
	return c, cleanup
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[job.State]string{
		job.StateIdle:      "IDL",
		job.StateCancelled: "IDL",
		job.StateLoading:   "RUN",
		job.StatePrinting:  "RUN",
		job.StatePaused:    "PAU",
		job.StateCompleted: "CMP",
		job.StateError:     "ERR",
	}
	for in, want := range cases {
		require.Equal(t, want, statusCode(in))
	}
	require.Equal(t, "UNK", statusCode(job.State("bogus")))
}

func TestBuildCheckResponseReflectsTrackerSnapshot(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	c.drv.Tracker().SetPosition(1, 2, 3, 0.5)
	c.drv.Tracker().SetFanSpeed(128)

	resp := c.buildCheckResponse(model.PrinterCheckRequest{DriverID: "printer-1", JobID: "job-9"})
	require.Equal(t, "printer-1", resp.DriverID)
	require.Equal(t, "job-9", resp.JobID)
	require.Equal(t, "1", resp.XPosition)
	require.Equal(t, "2", resp.YPosition)
	require.Equal(t, "on", resp.FanStatus)
	require.Equal(t, "IDL", resp.PrinterStatusCode)
	require.Equal(t, "0", resp.AverageSpeed)
}

func TestBuildCheckResponseReportsAverageSpeedForActiveJob(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	require.NoError(t, c.tracker.Start("job-1", 10, time.Now()))
	c.tracker.RecordExecuted(4, "G1 X1", time.Now().Add(time.Second))

	resp := c.buildCheckResponse(model.PrinterCheckRequest{DriverID: "printer-1", JobID: "job-1"})
	require.NotEqual(t, "0", resp.AverageSpeed)
}

func TestFormattingHelpers(t *testing.T) {
	require.Equal(t, "1.5", ftoa(1.5))
	require.Equal(t, "42", itoa(42))
	require.Equal(t, "7", utoa(7))
}

func TestHandleStartWithOnlyStartGCodeEnqueuesDirectly(t *testing.T) {
	c, cleanup := newTestController(t)
	defer cleanup()

	body, err := json.Marshal(model.PrinterStartRequest{
		DriverID:   "printer-1",
		StartGCode: "G28",
		EndGCode:   "M104 S0",
	})
	require.NoError(t, err)

	require.NoError(t, c.handleStart(&nsq.Message{Body: body}))
	require.Equal(t, job.StateIdle, c.jobs.State())
	require.Eventually(t, func() bool {
		return c.drv.Queue().Stats().TotalEnqueued >= 2
	}, time.Second, 5*time.Millisecond)
}
