// Package protocol implements the serial protocol engine: framing,
// checksum validation, resend/duplicate/busy handling and critical
// message acknowledgement described above
package protocol

import "time"

// Category is the single-letter command family tabulated above
type Category byte

const (
	CategoryMotion      Category = 'M'
	CategoryExtruder    Category = 'A'
	CategoryTemperature Category = 'T'
	CategoryFan         Category = 'F'
	CategorySystem      Category = 'S'
	CategoryEndstop     Category = 'E'
	CategoryHistory     Category = 'H'
)

// Command is a fully-formed outbound instruction, not yet assigned a
// command number. The engine assigns N and renders the text when the
// command is about to be sent.
type Command struct {
	Category Category
	Code     int
	Params   []string
}

// MessageKind classifies an inbound serial line
type MessageKind int

const (
	KindStandard MessageKind = iota
	KindInformational
	KindCritical
)

// Message is a parsed inbound frame.
type Message struct {
	Kind         MessageKind
	Raw          string
	Code         string // normalised code: "OK", "RESEND", "RESEND_FAILED", "DUPLICATE", "ERR", "BUSY", "CRT"; empty for informational lines
	NRef         uint64
	HasNRef      bool
	Payload      string // ERR/CRT: text after the code; informational: the whole body; malformed OK: a marker
	RxChecksum   int
	CalcChecksum int
	HasChecksum  bool
	Valid        bool
}

// Result is the outcome of a send_and_await call.
type Result struct {
	Success bool
	Message string
	Err     error
}

// Outcome constructors build the named Result values callers match on.
func Ok(msg string) Result     { return Result{Success: true, Message: msg} }
func Failure(err error) Result { return Result{Success: false, Err: err} }

// Timeouts and limits. The response timeout and the attempt limit are
// overridable through internal/config.
const (
	DefaultResponseTimeout = 5000 * time.Millisecond
	DefaultMaxAttempts     = 5
	BusyBackoff            = 100 * time.Millisecond
	CriticalRetryWindow    = 5000 * time.Millisecond
)

// ReadyBannerEN is the English ready banner the engine watches for at
// startup and after a firmware reset; isReadyBanner also accepts the
// native-language form.
const (
	ReadyBannerEN = "System ready."
)
