package relay

import "fmt"

// TCPState is the TCP flow state machine's states.
type TCPState int

const (
	TCPSynAckWait TCPState = iota
	TCPCommunication
	TCPFinWait
	TCPRstWait
	TCPDestroy
)

func (s TCPState) String() string {
	switch s {
	case TCPSynAckWait:
		return "SYN_ACK_WAIT"
	case TCPCommunication:
		return "COMMUNICATION"
	case TCPFinWait:
		return "FIN_WAIT"
	case TCPRstWait:
		return "RST_WAIT"
	case TCPDestroy:
		return "DESTROY"
	default:
		return "UNKNOWN"
	}
}

// UDPState and ICMPState are their protocols' (much smaller) state
// machines.
type UDPState int

const (
	UDPCommunication UDPState = iota
	UDPDestroy
)

type ICMPState int

const (
	ICMPCommunication ICMPState = iota
	ICMPDestroy
)

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventTCPState
	EventUDPState
	EventICMPState
	EventLog
	EventIdle
)

// Event is one notification a worker sends to the pump, always paired
// with the id of the slot it came from. Events from a single worker
// arrive at the pump in the order the worker sent them — the channel
// is ordered per-producer.
type Event struct {
	Kind EventKind

	// Set when Kind == EventMessage: Flag is the TCP flag class byte
	// to build the response with (ignored for UDP, where 0 always
	// means "emit a UDP datagram"), and Bytes is the payload to carry.
	Flag  byte
	Bytes []byte

	TCP  TCPState
	UDP  UDPState
	ICMP ICMPState

	Log string
}

func (e Event) String() string {
	switch e.Kind {
	case EventMessage:
		return fmt.Sprintf("MESSAGE(flag=%#x, len=%d)", e.Flag, len(e.Bytes))
	case EventTCPState:
		return fmt.Sprintf("TCP(%s)", e.TCP)
	case EventUDPState:
		return fmt.Sprintf("UDP(%s)", e.UDP)
	case EventICMPState:
		return fmt.Sprintf("ICMP(%s)", e.ICMP)
	case EventLog:
		return fmt.Sprintf("LOG(%s)", e.Log)
	default:
		return "IDLE"
	}
}

// workerEvent pairs an Event with the id of the slot that produced it.
type workerEvent struct {
	id    int
	event Event
}

func messageEvent(id int, flag byte, bytes []byte) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventMessage, Flag: flag, Bytes: bytes}}
}

func tcpStateEvent(id int, s TCPState) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventTCPState, TCP: s}}
}

func udpStateEvent(id int, s UDPState) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventUDPState, UDP: s}}
}

func icmpStateEvent(id int, s ICMPState) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventICMPState, ICMP: s}}
}

func logEvent(id int, format string, args ...any) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventLog, Log: fmt.Sprintf(format, args...)}}
}

func idleEvent(id int) workerEvent {
	return workerEvent{id: id, event: Event{Kind: EventIdle}}
}
