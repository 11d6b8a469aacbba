package checksum

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"N7 M10 X10.000000 Y20.000000 Z0.000000 F1000.000000",
		"N9 T10 S200.000000",
		"",
		"OK0 N7",
	}
	for _, body := range cases {
		rendered := Append(body)
		idx := strings.LastIndex(rendered, " *")
		require.GreaterOrEqual(t, idx, 0)
		cs, err := strconv.Atoi(rendered[idx+2:])
		require.NoError(t, err)
		require.Equal(t, int(XOR(body)), cs)
	}
}

func TestAckLineIsZeroPadded(t *testing.T) {
	ack := AckLine("0")
	require.True(t, strings.HasPrefix(ack, "A"))
	require.Len(t, ack, 4)
}
