package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPositionRoundTrip(t *testing.T) {
	tr := New(0)
	tr.SetPosition(1, 2, 3, 4)
	x, y, z, e := tr.Position()
	require.Equal(t, 1.0, x)
	require.Equal(t, 2.0, y)
	require.Equal(t, 3.0, z)
	require.Equal(t, 4.0, e)
}

func TestActualTemperatureFreshness(t *testing.T) {
	tr := New(50 * time.Millisecond)
	now := time.Now()
	tr.SetHotendActual(210.5, now)

	reading, fresh := tr.HotendActual(now.Add(10 * time.Millisecond))
	require.True(t, fresh)
	require.Equal(t, 210.5, reading.Value)

	_, fresh = tr.HotendActual(now.Add(100 * time.Millisecond))
	require.False(t, fresh)
}

func TestCommandCounting(t *testing.T) {
	tr := New(0)
	tr.RecordCommand("N1 M10 X1 *5")
	tr.RecordCommand("N2 M10 X2 *6")
	require.Equal(t, uint64(2), tr.CommandCount())
	require.Equal(t, "N2 M10 X2 *6", tr.LastCommand())
}

func TestSnapshotReflectsAllFields(t *testing.T) {
	tr := New(time.Second)
	now := time.Now()
	tr.SetPosition(1, 2, 3, 4)
	tr.SetLayer(5, 0.2)
	tr.SetFanSpeed(128)
	tr.SetHotendTarget(200)
	tr.SetBedTarget(60)
	tr.SetHotendActual(199.5, now)
	tr.SetBedActual(59.8, now)
	tr.SetEndstopDump("X:NOT_TRIGGERED Y:TRIGGERED", now)
	tr.RecordCommand("N1 S0 *0")

	snap := tr.Snapshot(now)
	require.Equal(t, 4.0, snap.EPosition)
	require.Equal(t, int32(5), snap.Layer)
	require.Equal(t, int32(128), snap.FanSpeed)
	require.Equal(t, 200.0, snap.HotendTarget)
	require.Equal(t, 199.5, snap.HotendActual.Value)
	require.Contains(t, snap.EndstopDump, "TRIGGERED")
	require.Equal(t, uint64(1), snap.CommandCount)
}
