// Package dispatch implements the category dispatchers here: each
// claims a set of G-code opcodes, validates their parameters and turns
// them into protocol-engine commands via a Sender, updating the
// process-wide state tracker where that's warranted.
package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/robodone/printer-driver-core/internal/protocol"
)

// Sender is the subset of the driver façade the dispatchers need: render
// and send one command through the protocol engine, blocking for its
// result.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) protocol.Result
}

// resultErr turns a protocol.Result into a Go error, nil on success.
func resultErr(r protocol.Result) error {
	if r.Success {
		return nil
	}
	return r.Err
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseKV extracts "KEY=value" style tokens from a response payload, as
// M114 ("X=10.5 Y=20.0 Z=5.2") and temperature reads ("TEMP=210.4") do.
func parseKV(payload string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(payload) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func parseKVFloat(kv map[string]string, key string) (float64, bool) {
	raw, ok := kv[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
