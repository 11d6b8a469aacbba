package dispatch

import (
	"context"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
)

// System handles M24 start, M25 pause, M26 resume, M105 status, M112
// brutal reset and M999 emergency reset. G28 home is claimed by the
// motion dispatcher, which renders the underlying S0 system command
// itself rather than leaving it to System.
type System struct {
	sender Sender
}

func NewSystem(sender Sender) *System {
	return &System{sender: sender}
}

func (s *System) CanHandle(l *gcode.Line) bool {
	switch l.Opcode {
	case "M24", "M25", "M26", "M105", "M112", "M999":
		return true
	}
	return false
}

func (s *System) Validate(l *gcode.Line) error { return nil }

var systemCodes = map[string]int{
	"M24":  1,
	"M25":  2,
	"M26":  3,
	"M105": 4,
	"M112": 5,
	"M999": 6,
}

func (s *System) Handle(ctx context.Context, l *gcode.Line) error {
	code, ok := systemCodes[l.Opcode]
	if !ok {
		return nil
	}
	return resultErr(s.sender.Send(ctx, protocol.Command{Category: protocol.CategorySystem, Code: code}))
}
