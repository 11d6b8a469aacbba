package dispatch

import (
	"context"
	"fmt"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/state"
)

// Fan handles M106 (set speed) and M107 (off).
type Fan struct {
	sender  Sender
	tracker *state.Tracker
}

func NewFan(sender Sender, tracker *state.Tracker) *Fan {
	return &Fan{sender: sender, tracker: tracker}
}

func (f *Fan) CanHandle(l *gcode.Line) bool {
	return l.Opcode == "M106" || l.Opcode == "M107"
}

func (f *Fan) Validate(l *gcode.Line) error {
	if l.Opcode == "M106" {
		if v, ok := l.Param('S'); ok && (v < 0 || v > 255) {
			return fmt.Errorf("fan speed %v out of range 0-255", v)
		}
	}
	return nil
}

func (f *Fan) Handle(ctx context.Context, l *gcode.Line) error {
	if l.Opcode == "M107" {
		if err := resultErr(f.sender.Send(ctx, protocol.Command{Category: protocol.CategoryFan, Code: 0})); err != nil {
			return err
		}
		f.tracker.SetFanSpeed(0)
		return nil
	}
	speed := 255
	if v, ok := l.Param('S'); ok {
		speed = int(v)
	}
	if err := resultErr(f.sender.Send(ctx, protocol.Command{
		Category: protocol.CategoryFan,
		Code:     10,
		Params:   []string{"S" + fmtFloat(float64(speed))},
	})); err != nil {
		return err
	}
	f.tracker.SetFanSpeed(int32(speed))
	return nil
}
