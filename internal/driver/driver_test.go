package driver

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robodone/printer-driver-core/internal/checksum"
	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/gcode/dispatch"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/queue"
	"github.com/robodone/printer-driver-core/internal/state"
)

// startFakeFirmware replies OK to every command it receives, mirroring
// engine_test.go's harness.
func startFakeFirmware(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, "A") && len(line) == 4 {
				continue
			}
			n := parseN(line)
			reply := checksum.Append("OK0 N"+n) + "\n"
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = conn.Write([]byte(reply))
		}
	}()
}

func parseN(line string) string {
	for _, tok := range strings.Fields(line) {
		if strings.HasPrefix(tok, "N") {
			return tok[1:]
		}
	}
	return "0"
}

func TestDriverRunExecutesQueuedGcode(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	startFakeFirmware(t, b)

	eng := protocol.New(a, nil)
	q := queue.New(queue.Options{MaxInRAM: 10, PagingBufferSize: 10})
	tracker := state.New(time.Second)

	sender := &driverSenderAdapter{}
	motion := dispatch.NewMotion(sender, tracker)
	translator := gcode.NewTranslator(motion)

	d := New(eng, q, tracker, translator, nil)
	sender.driver = d

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, _ = b.Write([]byte("System ready.\n"))
	require.Eventually(t, eng.Ready, time.Second, 5*time.Millisecond)

	require.NoError(t, d.EnqueueLine("G1 X10 Y20", 5, "job-1"))

	require.Eventually(t, func() bool {
		x, y, _, _ := tracker.Position()
		return x == 10 && y == 20
	}, time.Second, 5*time.Millisecond)
}

// driverSenderAdapter breaks the construction-order cycle between driver
// and dispatch (dispatch.Sender needs a Send method; *Driver provides one,
// but cannot be constructed before the translator it is passed into).
type driverSenderAdapter struct {
	driver *Driver
}

func (s *driverSenderAdapter) Send(ctx context.Context, cmd protocol.Command) protocol.Result {
	return s.driver.Send(ctx, cmd)
}
