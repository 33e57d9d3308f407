package modem

// Phase is the position of the session in the modem lifecycle. A phase only
// advances through the defined transition graph; failures are explicit,
// never silently skipped.
type Phase int

const (
	Off Phase = iota
	Booting
	HandshakeOK
	SimReady
	NetworkRegistered
	Idle
	HTTPActive
	Faulted
)

func (p Phase) String() string {
	switch p {
	case Off:
		return "off"
	case Booting:
		return "booting"
	case HandshakeOK:
		return "handshake-ok"
	case SimReady:
		return "sim-ready"
	case NetworkRegistered:
		return "registered"
	case Idle:
		return "idle"
	case HTTPActive:
		return "http-active"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}
