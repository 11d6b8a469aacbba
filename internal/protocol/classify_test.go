package protocol

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyStandardOK(t *testing.T) {
	m := Classify("OK0 N7 *42")
	require.Equal(t, KindStandard, m.Kind)
	require.Equal(t, "OK", m.Code)
	require.True(t, m.HasNRef)
	require.EqualValues(t, 7, m.NRef)
}

func TestClassifyMalformedOK(t *testing.T) {
	m := Classify("OK 7")
	require.Equal(t, KindStandard, m.Kind)
	require.Equal(t, "OK", m.Code)
	require.True(t, m.HasNRef)
	require.EqualValues(t, 7, m.NRef)
}

func TestClassifyResend(t *testing.T) {
	m := Classify("RESEND N9")
	require.Equal(t, "RESEND", m.Code)
	require.True(t, m.HasNRef)
	require.EqualValues(t, 9, m.NRef)
}

func TestClassifyResendFailed(t *testing.T) {
	m := Classify("RESEND FAILED N9")
	require.Equal(t, "RESEND_FAILED", m.Code)
	require.EqualValues(t, 9, m.NRef)
}

func TestClassifyDuplicate(t *testing.T) {
	m := Classify("DUPLICATE 11")
	require.Equal(t, "DUPLICATE", m.Code)
	require.EqualValues(t, 11, m.NRef)
}

func TestClassifyBusy(t *testing.T) {
	m := Classify("BUSY")
	require.Equal(t, "BUSY", m.Code)
}

func TestClassifyCritical(t *testing.T) {
	m := Classify("CRT TMP 220.0 200.0 *89")
	require.Equal(t, KindCritical, m.Kind)
	require.True(t, m.HasChecksum)
}

func TestClassifyInformational(t *testing.T) {
	m := Classify("POS 10.5 20.0 5.2 *156")
	require.Equal(t, KindInformational, m.Kind)
}

func TestChecksumValidity(t *testing.T) {
	m := Classify("CRT TMP 220.0 200.0 *0")
	require.False(t, m.Valid)
	good := Classify("CRT TMP 220.0 200.0 *" + strconv.Itoa(m.CalcChecksum))
	require.True(t, good.Valid)
}
