package sysmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorCollectsWithinOneInterval(t *testing.T) {
	m := New(nil)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return !m.Stats().Timestamp.IsZero()
	}, 2*time.Second, 20*time.Millisecond)
}
