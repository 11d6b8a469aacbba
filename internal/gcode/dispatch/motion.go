package dispatch

import (
	"context"
	"fmt"
	"math"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/state"
)

// ArcSegments is the default number of linear segments an arc or bezier
// curve is decomposed into.
const ArcSegments = 20

// Motion handles G0/G1 linear moves, G2/G3 arcs, G5 bezier curves, G28
// home, G999 emergency stop and G220/M114 diagnostics.
type Motion struct {
	sender  Sender
	tracker *state.Tracker
}

func NewMotion(sender Sender, tracker *state.Tracker) *Motion {
	return &Motion{sender: sender, tracker: tracker}
}

func (m *Motion) CanHandle(l *gcode.Line) bool {
	switch l.Opcode {
	case "G0", "G1", "G2", "G3", "G5", "G28", "G999", "G220", "M114":
		return true
	}
	return false
}

func (m *Motion) Validate(l *gcode.Line) error {
	switch l.Opcode {
	case "G2", "G3":
		_, hasI := l.Param('I')
		_, hasJ := l.Param('J')
		_, hasR := l.Param('R')
		if !hasR && !(hasI || hasJ) {
			return fmt.Errorf("%s requires an R radius or I/J offsets", l.Opcode)
		}
	}
	return nil
}

func (m *Motion) Handle(ctx context.Context, l *gcode.Line) error {
	switch l.Opcode {
	case "G0", "G1":
		return m.handleLinear(ctx, l)
	case "G2", "G3":
		return m.handleArc(ctx, l)
	case "G5":
		return m.handleBezier(ctx, l)
	case "G28":
		return m.handleHome(ctx)
	case "G999":
		return resultErr(m.sender.Send(ctx, protocol.Command{Category: protocol.CategoryMotion, Code: 0}))
	case "G220":
		return resultErr(m.sender.Send(ctx, protocol.Command{Category: protocol.CategoryMotion, Code: 99}))
	case "M114":
		return m.handlePositionQuery(ctx)
	}
	return fmt.Errorf("motion dispatcher: unhandled opcode %s", l.Opcode)
}

func (m *Motion) currentPosition() (x, y, z, e float64) {
	return m.tracker.Position()
}

func (m *Motion) handleLinear(ctx context.Context, l *gcode.Line) error {
	x, y, z, e := m.currentPosition()
	if v, ok := l.Param('X'); ok {
		x = v
	}
	if v, ok := l.Param('Y'); ok {
		y = v
	}
	if v, ok := l.Param('Z'); ok {
		z = v
	}
	if v, ok := l.Param('E'); ok {
		e = v
	}
	feed := m.tracker.FeedRate()
	if v, ok := l.Param('F'); ok {
		feed = v
	}
	res := m.sendMove(ctx, x, y, z, e, feed)
	if res != nil {
		return res
	}
	m.tracker.SetPosition(x, y, z, e)
	m.tracker.SetFeedRate(feed)
	return nil
}

func (m *Motion) sendMove(ctx context.Context, x, y, z, e, feed float64) error {
	return resultErr(m.sender.Send(ctx, protocol.Command{
		Category: protocol.CategoryMotion,
		Code:     10,
		Params: []string{
			"X" + fmtFloat(x),
			"Y" + fmtFloat(y),
			"Z" + fmtFloat(z),
			"E" + fmtFloat(e),
			"F" + fmtFloat(feed),
		},
	}))
}

// handleArc decomposes G2 (clockwise) / G3 (counter-clockwise) into
// ArcSegments linear moves by simulating the arc in software, since the
// firmware only understands straight-line moves.
func (m *Motion) handleArc(ctx context.Context, l *gcode.Line) error {
	startX, startY, _, startE := m.currentPosition()
	endX, endY := startX, startY
	if v, ok := l.Param('X'); ok {
		endX = v
	}
	if v, ok := l.Param('Y'); ok {
		endY = v
	}
	endE := startE
	if v, ok := l.Param('E'); ok {
		endE = v
	}
	_, _, z, _ := m.currentPosition()
	if v, ok := l.Param('Z'); ok {
		z = v
	}
	feed := m.tracker.FeedRate()
	if v, ok := l.Param('F'); ok {
		feed = v
	}

	centerX, centerY, err := arcCenter(l, startX, startY, endX, endY)
	if err != nil {
		return err
	}
	clockwise := l.Opcode == "G2"

	startAngle := math.Atan2(startY-centerY, startX-centerX)
	endAngle := math.Atan2(endY-centerY, endX-centerX)
	sweep := normalizeSweep(startAngle, endAngle, clockwise)
	radius := math.Hypot(startX-centerX, startY-centerY)

	var lastX, lastY = startX, startY
	for i := 1; i <= ArcSegments; i++ {
		frac := float64(i) / float64(ArcSegments)
		angle := startAngle + sweep*frac
		px := centerX + radius*math.Cos(angle)
		py := centerY + radius*math.Sin(angle)
		pe := startE + (endE-startE)*frac
		if err := m.sendMove(ctx, px, py, z, pe, feed); err != nil {
			return err
		}
		lastX, lastY = px, py
	}
	m.tracker.SetPosition(lastX, lastY, z, endE)
	m.tracker.SetFeedRate(feed)
	return nil
}

func arcCenter(l *gcode.Line, startX, startY, endX, endY float64) (float64, float64, error) {
	if r, ok := l.Param('R'); ok {
		return arcCenterFromRadius(startX, startY, endX, endY, r, l.Opcode == "G2")
	}
	i, _ := l.Param('I')
	j, _ := l.Param('J')
	return startX + i, startY + j, nil
}

func arcCenterFromRadius(x0, y0, x1, y1, r float64, clockwise bool) (float64, float64, error) {
	dx, dy := x1-x0, y1-y0
	chord := math.Hypot(dx, dy)
	if chord == 0 {
		return 0, 0, fmt.Errorf("arc has zero chord length")
	}
	if math.Abs(r) < chord/2 {
		return 0, 0, fmt.Errorf("arc radius too small for chord")
	}
	midX, midY := (x0+x1)/2, (y0+y1)/2
	h := math.Sqrt(r*r - (chord/2)*(chord/2))
	ux, uy := -dy/chord, dx/chord
	sign := 1.0
	if (r < 0) != clockwise {
		sign = -1.0
	}
	return midX + sign*h*ux, midY + sign*h*uy, nil
}

func normalizeSweep(start, end float64, clockwise bool) float64 {
	sweep := end - start
	if clockwise {
		for sweep > 0 {
			sweep -= 2 * math.Pi
		}
	} else {
		for sweep < 0 {
			sweep += 2 * math.Pi
		}
	}
	return sweep
}

// handleBezier decomposes a G5 cubic bezier (I/J first control point
// offset, P/Q second control point offset relative to the endpoint) into
// ArcSegments linear moves.
func (m *Motion) handleBezier(ctx context.Context, l *gcode.Line) error {
	startX, startY, z, startE := m.currentPosition()
	endX, endY := startX, startY
	if v, ok := l.Param('X'); ok {
		endX = v
	}
	if v, ok := l.Param('Y'); ok {
		endY = v
	}
	endE := startE
	if v, ok := l.Param('E'); ok {
		endE = v
	}
	i, _ := l.Param('I')
	j, _ := l.Param('J')
	p, _ := l.Param('P')
	q, _ := l.Param('Q')
	c1x, c1y := startX+i, startY+j
	c2x, c2y := endX+p, endY+q
	feed := m.tracker.FeedRate()
	if v, ok := l.Param('F'); ok {
		feed = v
	}

	var lastX, lastY = startX, startY
	for k := 1; k <= ArcSegments; k++ {
		t := float64(k) / float64(ArcSegments)
		px, py := cubicBezier(startX, startY, c1x, c1y, c2x, c2y, endX, endY, t)
		pe := startE + (endE-startE)*t
		if err := m.sendMove(ctx, px, py, z, pe, feed); err != nil {
			return err
		}
		lastX, lastY = px, py
	}
	m.tracker.SetPosition(lastX, lastY, z, endE)
	m.tracker.SetFeedRate(feed)
	return nil
}

func cubicBezier(x0, y0, x1, y1, x2, y2, x3, y3, t float64) (float64, float64) {
	mt := 1 - t
	a := mt * mt * mt
	b := 3 * mt * mt * t
	c := 3 * mt * t * t
	d := t * t * t
	x := a*x0 + b*x1 + c*x2 + d*x3
	y := a*y0 + b*y1 + c*y2 + d*y3
	return x, y
}

func (m *Motion) handleHome(ctx context.Context) error {
	if err := resultErr(m.sender.Send(ctx, protocol.Command{Category: protocol.CategorySystem, Code: 0})); err != nil {
		return err
	}
	m.tracker.SetPosition(0, 0, 0, 0)
	return nil
}

// handlePositionQuery sends M114 and parses X=/Y=/Z= from the reply
// payload back into the state tracker,
func (m *Motion) handlePositionQuery(ctx context.Context) error {
	res := m.sender.Send(ctx, protocol.Command{Category: protocol.CategoryMotion, Code: 114})
	if err := resultErr(res); err != nil {
		return err
	}
	kv := parseKV(res.Message)
	curX, curY, curZ, curE := m.currentPosition()
	if v, ok := parseKVFloat(kv, "X"); ok {
		curX = v
	}
	if v, ok := parseKVFloat(kv, "Y"); ok {
		curY = v
	}
	if v, ok := parseKVFloat(kv, "Z"); ok {
		curZ = v
	}
	m.tracker.SetPosition(curX, curY, curZ, curE)
	return nil
}
