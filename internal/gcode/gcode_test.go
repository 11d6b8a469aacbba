package gcode

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStripsCommentsAndBlanks(t *testing.T) {
	l, err := Parse("; just a comment")
	require.NoError(t, err)
	require.Nil(t, l)

	l, err = Parse("   \t  ")
	require.NoError(t, err)
	require.Nil(t, l)

	l, err = Parse("G1 X10 Y20 F1500 ; move")
	require.NoError(t, err)
	require.NotNil(t, l)
	require.Equal(t, "G1", l.Opcode)
	x, ok := l.Param('X')
	require.True(t, ok)
	require.Equal(t, 10.0, x)
	f, ok := l.Param('F')
	require.True(t, ok)
	require.Equal(t, 1500.0, f)
}

func TestParseRejectsUnknownWordForm(t *testing.T) {
	_, err := Parse("HELLO WORLD")
	require.Error(t, err)
}

func TestParseRejectsDuplicateParams(t *testing.T) {
	_, err := Parse("G1 X1 X2")
	require.Error(t, err)
}

type stubDispatcher struct {
	claims  string
	handled []*Line
	failVal error
}

func (s *stubDispatcher) CanHandle(l *Line) bool { return l.Opcode == s.claims }
func (s *stubDispatcher) Validate(l *Line) error { return s.failVal }
func (s *stubDispatcher) Handle(ctx context.Context, l *Line) error {
	s.handled = append(s.handled, l)
	return nil
}

func TestTranslateRoutesToFirstClaimant(t *testing.T) {
	motion := &stubDispatcher{claims: "G1"}
	other := &stubDispatcher{claims: "M104"}
	tr := NewTranslator(motion, other)
	ctx := context.Background()

	require.NoError(t, tr.Translate(ctx, "G1 X5"))
	require.Len(t, motion.handled, 1)
	require.Empty(t, other.handled)

	require.NoError(t, tr.Translate(ctx, "M104 S200"))
	require.Len(t, other.handled, 1)
}

func TestTranslateUnknownOpcode(t *testing.T) {
	tr := NewTranslator(&stubDispatcher{claims: "G1"})
	err := tr.Translate(context.Background(), "G99 X1")
	require.Error(t, err)
}

func TestTranslateValidationFailurePropagates(t *testing.T) {
	d := &stubDispatcher{claims: "G1", failVal: errors.New("stub")}
	tr := NewTranslator(d)
	err := tr.Translate(context.Background(), "G1 X1")
	require.Error(t, err)
	var invalid *InvalidOpcodeError
	require.ErrorAs(t, err, &invalid)
}
