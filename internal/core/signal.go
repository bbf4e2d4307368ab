package core

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalBye       SignalType = "bye"
)

// Signal is a peer negotiation step relayed through the hub. Attempt ties it
// to one connection attempt so stale steps can be ignored.
type Signal struct {
	Type      SignalType `json:"type"`
	Attempt   int        `json:"attempt"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (Signal) Kind() Kind { return KindSignal }
