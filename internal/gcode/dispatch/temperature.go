package dispatch

import (
	"context"
	"time"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/state"
)

// Temperature handles M104/M140 (set targets) and T11/T21 (read actuals),
// caching actual readings with a timestamp
type Temperature struct {
	sender  Sender
	tracker *state.Tracker
}

func NewTemperature(sender Sender, tracker *state.Tracker) *Temperature {
	return &Temperature{sender: sender, tracker: tracker}
}

func (t *Temperature) CanHandle(l *gcode.Line) bool {
	switch l.Opcode {
	case "M104", "M140", "T11", "T21":
		return true
	}
	return false
}

func (t *Temperature) Validate(l *gcode.Line) error { return nil }

func (t *Temperature) Handle(ctx context.Context, l *gcode.Line) error {
	switch l.Opcode {
	case "M104":
		return t.setTarget(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 10}, l, t.tracker.SetHotendTarget)
	case "M140":
		return t.setTarget(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 20}, l, t.tracker.SetBedTarget)
	case "T11":
		return t.readActual(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 11}, t.tracker.SetHotendActual)
	case "T21":
		return t.readActual(ctx, protocol.Command{Category: protocol.CategoryTemperature, Code: 21}, t.tracker.SetBedActual)
	}
	return nil
}

func (t *Temperature) setTarget(ctx context.Context, cmd protocol.Command, l *gcode.Line, set func(float64)) error {
	target := 0.0
	if v, ok := l.Param('S'); ok {
		target = v
	}
	cmd.Params = []string{"S" + fmtFloat(target)}
	if err := resultErr(t.sender.Send(ctx, cmd)); err != nil {
		return err
	}
	set(target)
	return nil
}

func (t *Temperature) readActual(ctx context.Context, cmd protocol.Command, set func(float64, time.Time)) error {
	res := t.sender.Send(ctx, cmd)
	if err := resultErr(res); err != nil {
		return err
	}
	kv := parseKV(res.Message)
	if v, ok := parseKVFloat(kv, "TEMP"); ok {
		set(v, now())
	}
	return nil
}
