package dispatch

import (
	"context"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
)

// History handles M702, which clears the firmware's on-device command
// history (distinct from the protocol engine's own resend history).
type History struct {
	sender Sender
}

func NewHistory(sender Sender) *History {
	return &History{sender: sender}
}

func (h *History) CanHandle(l *gcode.Line) bool { return l.Opcode == "M702" }

func (h *History) Validate(l *gcode.Line) error { return nil }

func (h *History) Handle(ctx context.Context, l *gcode.Line) error {
	return resultErr(h.sender.Send(ctx, protocol.Command{Category: protocol.CategoryHistory, Code: 0}))
}
