package zssp

import "fmt"

// ResultKind says what an inbound datagram produced.
type ResultKind uint8

const (
	// ResultNone means the datagram was consumed without output: a
	// fragment, a keepalive, or a handshake step.
	ResultNone ResultKind = iota
	// ResultData carries decrypted application data in Result.Data.
	ResultData
	// ResultNewSession carries a session created by an initial key offer.
	// The caller must add it to its session table.
	ResultNewSession
	// ResultEstablished means the session in Result.Session just finished
	// its initial handshake.
	ResultEstablished
	// ResultDropped means the datagram was discarded; see Result.Dropped.
	ResultDropped
)

// String returns the kind name.
func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultData:
		return "data"
	case ResultNewSession:
		return "new-session"
	case ResultEstablished:
		return "established"
	case ResultDropped:
		return "dropped"
	default:
		return fmt.Sprintf("result(%d)", uint8(k))
	}
}

// DropReason explains a dropped datagram. It is advisory: drops are never
// errors, because anyone can send garbage.
type DropReason uint8

const (
	DropNone DropReason = iota
	DropMalformed
	DropReservedType
	DropUnknownSession
	DropHeaderCheck
	DropReplay
	DropAuthentication
	DropHandshake
	DropReassembly
	DropUnexpected
	DropExpired
	DropClosed
	DropDuplicateOffer
)

var dropReasonNames = [...]string{
	DropNone:           "none",
	DropMalformed:      "malformed",
	DropReservedType:   "reserved_type",
	DropUnknownSession: "unknown_session",
	DropHeaderCheck:    "header_check",
	DropReplay:         "replay",
	DropAuthentication: "authentication",
	DropHandshake:      "handshake",
	DropReassembly:     "reassembly",
	DropUnexpected:     "unexpected",
	DropExpired:        "expired",
	DropClosed:         "closed",
	DropDuplicateOffer: "duplicate_offer",
}

// String returns the reason as used in metric labels.
func (r DropReason) String() string {
	if int(r) < len(dropReasonNames) {
		return dropReasonNames[r]
	}
	return fmt.Sprintf("drop(%d)", uint8(r))
}

// Result is the outcome of one inbound datagram.
type Result struct {
	Kind    ResultKind
	Session *Session
	Data    []byte
	Dropped DropReason
}

func dropped(s *Session, reason DropReason) Result {
	return Result{Kind: ResultDropped, Session: s, Dropped: reason}
}
