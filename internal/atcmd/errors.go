package atcmd

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrTimeout reports that no terminal token arrived within the deadline.
// It is distinct from a protocol error so callers can pick a different
// recovery (resend vs. abandon vs. power-cycle).
var ErrTimeout = errors.New("at: response timeout")

// Class sorts protocol errors by the recovery they call for.
type Class int

const (
	// ClassTransient errors may succeed on retry of the same step.
	ClassTransient Class = iota
	// ClassConfiguration errors will not succeed on retry; surface to the
	// operator.
	ClassConfiguration
	// ClassFatal errors mean the hardware or SIM is unusable; abandon.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConfiguration:
		return "configuration"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProtocolError is a modem-reported failure: bare ERROR or an extended
// +CME ERROR / +CMS ERROR with a numeric code.
type ProtocolError struct {
	Token string // "ERROR", "+CME ERROR", "+CMS ERROR"
	Code  int    // -1 when the modem gave no numeric code
	Class Class
}

func (e *ProtocolError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("at: %s (%s)", e.Token, e.Class)
	}
	return fmt.Sprintf("at: %s %d (%s)", e.Token, e.Code, e.Class)
}

var (
	cmeErrorRe = regexp.MustCompile(`\+CME ERROR:\s*(.*)`)
	cmsErrorRe = regexp.MustCompile(`\+CMS ERROR:\s*(.*)`)
)

// parseProtocolError extracts and classifies a modem error token from
// accumulated response text. Returns nil when the text holds no error.
func parseProtocolError(buf string) *ProtocolError {
	if m := cmeErrorRe.FindStringSubmatch(buf); m != nil {
		code, ok := parseCode(m[1])
		if !ok {
			return &ProtocolError{Token: "+CME ERROR", Code: -1, Class: classifyCMEText(m[1])}
		}
		return &ProtocolError{Token: "+CME ERROR", Code: code, Class: ClassifyCME(code)}
	}
	if m := cmsErrorRe.FindStringSubmatch(buf); m != nil {
		code, ok := parseCode(m[1])
		if !ok {
			return &ProtocolError{Token: "+CMS ERROR", Code: -1, Class: ClassTransient}
		}
		return &ProtocolError{Token: "+CMS ERROR", Code: code, Class: ClassifyCMS(code)}
	}
	if containsBareError(buf) {
		return &ProtocolError{Token: "ERROR", Code: -1, Class: ClassTransient}
	}
	return nil
}

// containsBareError finds a standalone ERROR line without tripping on the
// extended forms, which carry their own classification.
func containsBareError(buf string) bool {
	for _, line := range strings.Split(buf, "\n") {
		if strings.TrimSpace(strings.TrimRight(line, "\r")) == "ERROR" {
			return true
		}
	}
	return false
}

func parseCode(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(strings.Split(s, "\r")[0]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ClassifyCME maps 3GPP TS 27.007 CME codes into the recovery taxonomy.
func ClassifyCME(code int) Class {
	switch code {
	case 10, 11, 12, 13, 40, 41, 42, 43, 44, 45, 46, 47:
		// SIM not inserted, PIN/PUK required, SIM failure, PH-SIM/network
		// personalisation locks. Retrying will not help.
		return ClassFatal
	case 3, 4, 21, 22, 23, 24, 25, 26, 27, 50:
		// Operation not allowed/supported, invalid index, bad text string,
		// incorrect parameters.
		return ClassConfiguration
	case 14, 30, 31, 32:
		// SIM busy, no network service, network timeout, network not allowed.
		return ClassTransient
	default:
		return ClassTransient
	}
}

// ClassifyCMS maps 3GPP TS 27.005 CMS codes into the recovery taxonomy.
func ClassifyCMS(code int) Class {
	switch code {
	case 310, 311, 312, 316, 317, 318:
		// SIM not inserted, SIM PIN/PUK states.
		return ClassFatal
	case 301, 302, 303, 304, 305, 330:
		// Operation not allowed/supported, invalid PDU/text parameter,
		// SMSC address unknown.
		return ClassConfiguration
	default:
		return ClassTransient
	}
}

// classifyCMEText handles verbose-error mode (AT+CMEE=2), where the modem
// reports a string instead of a code.
func classifyCMEText(s string) Class {
	s = strings.ToUpper(strings.TrimSpace(strings.Split(s, "\r")[0]))
	switch {
	case strings.Contains(s, "SIM NOT INSERTED"),
		strings.Contains(s, "SIM PIN"),
		strings.Contains(s, "SIM PUK"),
		strings.Contains(s, "SIM FAILURE"):
		return ClassFatal
	case strings.Contains(s, "NOT ALLOWED"),
		strings.Contains(s, "NOT SUPPORTED"),
		strings.Contains(s, "INCORRECT PARAMETERS"):
		return ClassConfiguration
	default:
		return ClassTransient
	}
}
