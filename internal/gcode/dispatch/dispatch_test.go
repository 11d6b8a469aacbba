package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robodone/printer-driver-core/internal/gcode"
	"github.com/robodone/printer-driver-core/internal/protocol"
	"github.com/robodone/printer-driver-core/internal/state"
)

type fakeSender struct {
	sent []protocol.Command
	next protocol.Result
}

func (f *fakeSender) Send(ctx context.Context, cmd protocol.Command) protocol.Result {
	f.sent = append(f.sent, cmd)
	if f.next.Success || f.next.Err != nil {
		return f.next
	}
	return protocol.Ok("")
}

func parseLine(t *testing.T, raw string) *gcode.Line {
	t.Helper()
	l, err := gcode.Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func TestMotionLinearMoveUpdatesPosition(t *testing.T) {
	sender := &fakeSender{}
	tracker := state.New(time.Second)
	m := NewMotion(sender, tracker)

	l := parseLine(t, "G1 X10 Y20 Z1 E5 F1200")
	require.NoError(t, m.Handle(context.Background(), l))

	x, y, z, e := tracker.Position()
	require.Equal(t, 10.0, x)
	require.Equal(t, 20.0, y)
	require.Equal(t, 1.0, z)
	require.Equal(t, 5.0, e)
	require.Equal(t, 1200.0, tracker.FeedRate())
	require.Len(t, sender.sent, 1)
	require.Equal(t, protocol.CategoryMotion, sender.sent[0].Category)
	require.Equal(t, 10, sender.sent[0].Code)
}

func TestMotionArcDecomposesIntoSegments(t *testing.T) {
	sender := &fakeSender{}
	tracker := state.New(time.Second)
	tracker.SetPosition(0, 0, 0, 0)
	m := NewMotion(sender, tracker)

	l := parseLine(t, "G2 X10 Y0 I5 J0")
	require.NoError(t, m.Handle(context.Background(), l))
	require.Len(t, sender.sent, ArcSegments)

	x, y, _, _ := tracker.Position()
	require.InDelta(t, 10.0, x, 1e-6)
	require.InDelta(t, 0.0, y, 1e-6)
}

func TestMotionArcRequiresOffsetOrRadius(t *testing.T) {
	m := NewMotion(&fakeSender{}, state.New(time.Second))
	l := parseLine(t, "G2 X10 Y0")
	require.Error(t, m.Validate(l))
}

func TestMotionBezierDecomposesIntoSegments(t *testing.T) {
	sender := &fakeSender{}
	tracker := state.New(time.Second)
	m := NewMotion(sender, tracker)
	l := parseLine(t, "G5 X10 Y10 I2 J0 P-2 Q0")
	require.NoError(t, m.Handle(context.Background(), l))
	require.Len(t, sender.sent, ArcSegments)
}

func TestMotionPositionQueryParsesResponse(t *testing.T) {
	sender := &fakeSender{next: protocol.Ok("X=1.5 Y=2.5 Z=0.3")}
	tracker := state.New(time.Second)
	m := NewMotion(sender, tracker)
	l := parseLine(t, "M114")
	require.NoError(t, m.Handle(context.Background(), l))
	x, y, z, _ := tracker.Position()
	require.Equal(t, 1.5, x)
	require.Equal(t, 2.5, y)
	require.Equal(t, 0.3, z)
}

func TestFanSetSpeedAndOff(t *testing.T) {
	sender := &fakeSender{}
	tracker := state.New(time.Second)
	f := NewFan(sender, tracker)

	l := parseLine(t, "M106 S128")
	require.NoError(t, f.Handle(context.Background(), l))
	require.Equal(t, int32(128), tracker.FanSpeed())

	l = parseLine(t, "M107")
	require.NoError(t, f.Handle(context.Background(), l))
	require.Equal(t, int32(0), tracker.FanSpeed())
}

func TestFanRejectsOutOfRangeSpeed(t *testing.T) {
	f := NewFan(&fakeSender{}, state.New(time.Second))
	l := parseLine(t, "M106 S400")
	require.Error(t, f.Validate(l))
}

func TestTemperatureSetAndReadActual(t *testing.T) {
	tracker := state.New(time.Second)

	setSender := &fakeSender{}
	temp := NewTemperature(setSender, tracker)
	l := parseLine(t, "M104 S210")
	require.NoError(t, temp.Handle(context.Background(), l))
	require.Equal(t, 210.0, tracker.HotendTarget())

	readSender := &fakeSender{next: protocol.Ok("TEMP=207.5")}
	temp = NewTemperature(readSender, tracker)
	l = parseLine(t, "T11")
	require.NoError(t, temp.Handle(context.Background(), l))
	reading, fresh := tracker.HotendActual(time.Now())
	require.True(t, fresh)
	require.Equal(t, 207.5, reading.Value)
}

func TestEndstopCachesDumpAndDetectsTriggered(t *testing.T) {
	sender := &fakeSender{next: protocol.Ok("X:NOT_TRIGGERED Y:TRIGGERED Z:NOT_TRIGGERED")}
	tracker := state.New(time.Second)
	e := NewEndstop(sender, tracker)
	l := parseLine(t, "M119")
	require.NoError(t, e.Handle(context.Background(), l))
	dump, _ := tracker.EndstopDump()
	require.True(t, AnyTriggered(dump))
}

func TestAnyTriggeredFalseWhenAllClear(t *testing.T) {
	require.False(t, AnyTriggered("X:NOT_TRIGGERED Y:NOT_TRIGGERED"))
}

func TestSystemMapsOpcodesToCodes(t *testing.T) {
	sender := &fakeSender{}
	s := NewSystem(sender)
	l := parseLine(t, "M999")
	require.NoError(t, s.Handle(context.Background(), l))
	require.Equal(t, protocol.CategorySystem, sender.sent[0].Category)
	require.Equal(t, systemCodes["M999"], sender.sent[0].Code)
}

func TestHistoryClearSendsHCategory(t *testing.T) {
	sender := &fakeSender{}
	h := NewHistory(sender)
	l := parseLine(t, "M702")
	require.NoError(t, h.Handle(context.Background(), l))
	require.Equal(t, protocol.CategoryHistory, sender.sent[0].Category)
}

func TestExtruderRetractAndExtrude(t *testing.T) {
	sender := &fakeSender{}
	e := NewExtruder(sender)
	l := parseLine(t, "G10 E-2")
	require.NoError(t, e.Handle(context.Background(), l))
	require.Equal(t, protocol.CategoryExtruder, sender.sent[0].Category)
	require.Equal(t, 20, sender.sent[0].Code)

	l = parseLine(t, "G11 E2")
	require.NoError(t, e.Handle(context.Background(), l))
	require.Equal(t, 10, sender.sent[1].Code)
}
