package relay

// slot is one worker's share of flow state. Pool.Execute (ingress)
// binds it (fingerprint, isn, task) and the pump records state on it
// and resets it; every access is serialized by Pool.mu. The worker
// goroutine itself never touches its slot directly — it only ever
// sends events.
type slot struct {
	id          int
	fingerprint Fingerprint
	task        *task
	isn         uint32

	tcpState  TCPState
	udpState  UDPState
	icmpState ICMPState
}

func (s *slot) idle() bool { return s.fingerprint == "" }

func (s *slot) reset() {
	s.fingerprint = ""
	s.task = nil
	s.isn = 0
}
