package protocol

import (
	"strconv"
	"strings"

	"github.com/robodone/printer-driver-core/internal/checksum"
)

// Classify parses a trimmed inbound line into a Message by matching it
// against the firmware's known reply shapes.
func Classify(line string) *Message {
	msg := &Message{Raw: line}

	body := line
	rxCS, hasCS := 0, false
	if idx := strings.LastIndex(line, " *"); idx >= 0 {
		body = line[:idx]
		if cs, err := strconv.Atoi(strings.TrimSpace(line[idx+2:])); err == nil {
			rxCS = cs
			hasCS = true
		}
	}
	msg.HasChecksum = hasCS
	msg.RxChecksum = rxCS
	msg.CalcChecksum = int(checksum.XOR(body))
	msg.Valid = !hasCS || rxCS == msg.CalcChecksum

	fields := strings.Fields(body)
	if len(fields) == 0 {
		msg.Kind = KindInformational
		msg.Payload = body
		return msg
	}
	first := fields[0]

	switch {
	case first == "BUSY":
		msg.Kind = KindStandard
		msg.Code = "BUSY"
		return msg
	case strings.HasPrefix(first, "CRT"):
		msg.Kind = KindCritical
		msg.Code = "CRT"
		msg.Payload = strings.TrimSpace(strings.TrimPrefix(body, "CRT"))
		return msg
	case first == "RESEND":
		msg.Kind = KindStandard
		if len(fields) >= 3 && fields[1] == "FAILED" {
			msg.Code = "RESEND_FAILED"
			if n, ok := parseNRef(fields[2]); ok {
				msg.NRef, msg.HasNRef = n, true
			}
			return msg
		}
		msg.Code = "RESEND"
		if len(fields) >= 2 {
			if n, ok := parseNRef(fields[1]); ok {
				msg.NRef, msg.HasNRef = n, true
			}
		}
		return msg
	case first == "DUPLICATE":
		msg.Kind = KindStandard
		msg.Code = "DUPLICATE"
		if len(fields) >= 2 {
			if n, ok := parseNRef(fields[1]); ok {
				msg.NRef, msg.HasNRef = n, true
			} else if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				msg.NRef, msg.HasNRef = n, true
			}
		}
		return msg
	case strings.HasPrefix(first, "ERR"):
		msg.Kind = KindStandard
		msg.Code = "ERR"
		msg.Payload = strings.TrimSpace(strings.TrimPrefix(body, first))
		return msg
	case strings.HasPrefix(first, "OK"):
		msg.Kind = KindStandard
		msg.Code = "OK"
		// Accept "OK<d> N<m>", "OK N<m>", or the malformed "OK <m>" tolerated
		// with a warning by the caller.
		for _, tok := range fields[1:] {
			if n, ok := parseNRef(tok); ok {
				msg.NRef, msg.HasNRef = n, true
				break
			}
		}
		if !msg.HasNRef && len(fields) >= 2 {
			if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				msg.NRef, msg.HasNRef = n, true
				msg.Payload = "malformed-ok-missing-n"
			}
		}
		return msg
	default:
		msg.Kind = KindInformational
		msg.Payload = body
		return msg
	}
}

// parseNRef extracts the integer following a leading 'N', e.g. "N17" -> 17.
func parseNRef(tok string) (uint64, bool) {
	if len(tok) < 2 || (tok[0] != 'N' && tok[0] != 'n') {
		return 0, false
	}
	n, err := strconv.ParseUint(tok[1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
