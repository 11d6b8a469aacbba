package dispatch

import (
	"context"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
)

// Extruder handles G10 retract and G11 un-retract/extrude.
type Extruder struct {
	sender Sender
}

func NewExtruder(sender Sender) *Extruder {
	return &Extruder{sender: sender}
}

func (e *Extruder) CanHandle(l *gcode.Line) bool {
	return l.Opcode == "G10" || l.Opcode == "G11"
}

func (e *Extruder) Validate(l *gcode.Line) error { return nil }

func (e *Extruder) Handle(ctx context.Context, l *gcode.Line) error {
	code := 20
	if l.Opcode == "G11" {
		code = 10
	}
	var params []string
	if v, ok := l.Param('E'); ok {
		params = append(params, "E"+fmtFloat(v))
	}
	return resultErr(e.sender.Send(ctx, protocol.Command{Category: protocol.CategoryExtruder, Code: code, Params: params}))
}
