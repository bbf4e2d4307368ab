package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Swarm/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory swarm room.
// It never closes adapter-owned resources.
type roomImpl struct {
	swarm         *domain.Swarm
	mu            sync.RWMutex
	bySID         map[SessionID]MemberSession
	byParticipant map[domain.ParticipantID]SessionID
}

func NewRoomService(swarm *domain.Swarm) RoomService {
	return &roomImpl{
		swarm:         swarm,
		bySID:         make(map[SessionID]MemberSession),
		byParticipant: make(map[domain.ParticipantID]SessionID),
	}
}

func (r *roomImpl) Swarm() *domain.Swarm { return r.swarm }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) error {
	p := ms.Meta().Participant.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byParticipant[p]; ok && owner != sid {
		return ErrDuplicateMember
	}
	r.bySID[sid] = ms
	r.byParticipant[p] = sid
	log.Info().Str("module", "core.room").Str("swarm", string(r.swarm.ID)).Str("sid", string(sid)).Str("participant", string(p)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(sid SessionID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return domain.Participant{}, false
	}
	p := ms.Meta().Participant
	if r.byParticipant[p.ID] == sid {
		delete(r.byParticipant, p.ID)
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("swarm", string(r.swarm.ID)).Str("sid", string(sid)).Msg("member removed")
	return p, true
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(to domain.ParticipantID, data Frame) (MemberSession, error) {
	r.mu.RLock()
	sid, ok := r.byParticipant[to]
	var m MemberSession
	if ok {
		m = r.bySID[sid]
	}
	r.mu.RUnlock()
	if m == nil {
		return nil, ErrUnknownMember
	}
	return m, m.Signal().TrySend(data)
}

// MembersSnapshot is ordered by participant id so joiners see a stable list.
func (r *roomImpl) MembersSnapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.bySID))
	for _, ms := range r.bySID {
		out = append(out, ms.Meta().Participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
