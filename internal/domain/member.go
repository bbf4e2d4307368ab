package domain

// Member represents a participant's presence in a swarm on the hub side.
// No transport or lifecycle logic here.
type Member struct {
	Participant Participant
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(p Participant) *Member {
	return &Member{Participant: p}
}
