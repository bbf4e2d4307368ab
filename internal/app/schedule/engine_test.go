package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Swarm/internal/app/timesync"
	"github.com/dkeye/Swarm/internal/core"
	"github.com/jonboulle/clockwork"
)

// offsetRef reads the local clock shifted by a mutable offset.
type offsetRef struct {
	clock clockwork.Clock

	mu     sync.Mutex
	offset time.Duration
}

func (r *offsetRef) EstimatedReferenceTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock.Now().Add(r.offset)
}

func (r *offsetRef) setOffset(d time.Duration) {
	r.mu.Lock()
	r.offset = d
	r.mu.Unlock()
}

// recorder collects deliveries and signals each one.
type recorder struct {
	mu   sync.Mutex
	got  []core.Message
	ch   chan core.Message
	when func() time.Time
	at   []time.Time
}

func newRecorder(when func() time.Time) *recorder {
	return &recorder{ch: make(chan core.Message, 16), when: when}
}

func (r *recorder) deliver(m core.Message) {
	r.mu.Lock()
	r.got = append(r.got, m)
	if r.when != nil {
		r.at = append(r.at, r.when())
	}
	r.mu.Unlock()
	r.ch <- m
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) wait(t *testing.T) core.Message {
	t.Helper()
	select {
	case m := <-r.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	return core.Message{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-r.ch:
		t.Fatalf("unexpected delivery of %s", m.ID)
	case <-time.After(30 * time.Millisecond):
	}
}

func cueAt(t *testing.T, created, target time.Time) core.Message {
	t.Helper()
	m, err := core.NewScheduled("alice", core.AudioCue{ClipID: "gong"}, target, created)
	if err != nil {
		t.Fatalf("NewScheduled: %v", err)
	}
	return m
}

func TestSchedule_FiresOnceAtTarget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := &offsetRef{clock: clock, offset: 40 * time.Millisecond}
	e := NewEngine(ref, clock, DefaultConfig())
	defer e.Close()
	rec := newRecorder(ref.EstimatedReferenceTime)
	e.OnDeliver(rec.deliver)

	now := ref.EstimatedReferenceTime()
	msg := cueAt(t, now, now.Add(1500*time.Millisecond))
	out, err := e.Schedule(msg)
	if err != nil || out != Scheduled {
		t.Fatalf("Schedule() = %v, %v; want scheduled", out, err)
	}
	if e.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", e.Pending())
	}

	clock.Advance(1499 * time.Millisecond)
	rec.none(t)

	clock.Advance(time.Millisecond)
	got := rec.wait(t)
	if got.ID != msg.ID {
		t.Fatalf("delivered %s, want %s", got.ID, msg.ID)
	}
	rec.none(t)

	rec.mu.Lock()
	at := rec.at[0]
	rec.mu.Unlock()
	if !at.Equal(msg.Target) {
		t.Fatalf("presented at %v, want %v", at, msg.Target)
	}
	if s := e.Stats(); s.Delivered != 1 || s.Scheduled != 1 {
		t.Fatalf("Stats() = %+v", s)
	}
}

func TestSchedule_RealClockPrecision(t *testing.T) {
	clock := clockwork.NewRealClock()
	ref := &offsetRef{clock: clock, offset: -3 * time.Second}
	e := NewEngine(ref, clock, DefaultConfig())
	defer e.Close()
	rec := newRecorder(ref.EstimatedReferenceTime)
	e.OnDeliver(rec.deliver)

	now := ref.EstimatedReferenceTime()
	msg := cueAt(t, now, now.Add(150*time.Millisecond))
	if _, err := e.Schedule(msg); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	skew := rec.at[0].Sub(msg.Target)
	rec.mu.Unlock()
	if skew < -20*time.Millisecond || skew > 20*time.Millisecond {
		t.Fatalf("presentation skew = %v, want within ±20ms", skew)
	}
}

func TestSchedule_LateMessages(t *testing.T) {
	tests := []struct {
		name      string
		lateness  time.Duration
		want      Outcome
		delivered int
	}{
		{"past threshold is dropped", 150 * time.Millisecond, DroppedLate, 0},
		{"within tolerance runs now", 50 * time.Millisecond, DeliveredNow, 1},
		{"exactly due runs now", 0, DeliveredNow, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			ref := &offsetRef{clock: clock}
			e := NewEngine(ref, clock, DefaultConfig())
			defer e.Close()
			rec := newRecorder(nil)
			e.OnDeliver(rec.deliver)

			now := ref.EstimatedReferenceTime()
			target := now.Add(-tt.lateness)
			out, err := e.Schedule(cueAt(t, target.Add(-time.Second), target))
			if err != nil {
				t.Fatalf("Schedule: %v", err)
			}
			if out != tt.want {
				t.Fatalf("Schedule() = %v, want %v", out, tt.want)
			}
			clock.Advance(time.Minute)
			if got := rec.count(); got != tt.delivered {
				t.Fatalf("deliveries = %d, want %d", got, tt.delivered)
			}
			if tt.want == DroppedLate && e.Stats().Dropped != 1 {
				t.Fatalf("Stats().Dropped = %d, want 1", e.Stats().Dropped)
			}
		})
	}
}

func TestSchedule_DuplicateIDDeliversOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := &offsetRef{clock: clock}
	e := NewEngine(ref, clock, DefaultConfig())
	defer e.Close()
	rec := newRecorder(nil)
	e.OnDeliver(rec.deliver)

	now := ref.EstimatedReferenceTime()
	msg := cueAt(t, now, now.Add(time.Second))
	if out, _ := e.Schedule(msg); out != Scheduled {
		t.Fatalf("first Schedule() = %v, want scheduled", out)
	}
	if out, _ := e.Schedule(msg); out != Duplicate {
		t.Fatalf("second Schedule() = %v, want duplicate", out)
	}

	clock.Advance(time.Second)
	rec.wait(t)
	if out, _ := e.Schedule(msg); out != Duplicate {
		t.Fatalf("Schedule() after delivery = %v, want duplicate", out)
	}
	rec.none(t)
	if got := rec.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestSchedule_ResyncDoesNotMoveArmedTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := &offsetRef{clock: clock}
	e := NewEngine(ref, clock, DefaultConfig())
	defer e.Close()
	rec := newRecorder(nil)
	e.OnDeliver(rec.deliver)

	now := ref.EstimatedReferenceTime()
	if _, err := e.Schedule(cueAt(t, now, now.Add(time.Second))); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	ref.setOffset(500 * time.Millisecond)

	clock.Advance(999 * time.Millisecond)
	rec.none(t)
	clock.Advance(time.Millisecond)
	rec.wait(t)
}

func TestClose_CancelsPendingDeliveries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ref := &offsetRef{clock: clock}
	e := NewEngine(ref, clock, DefaultConfig())
	rec := newRecorder(nil)
	e.OnDeliver(rec.deliver)

	now := ref.EstimatedReferenceTime()
	for i := 0; i < 3; i++ {
		if _, err := e.Schedule(cueAt(t, now, now.Add(time.Duration(i+1)*time.Second))); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	e.Close()
	e.Close()
	if e.Pending() != 0 {
		t.Fatalf("Pending() = %d after Close, want 0", e.Pending())
	}
	clock.Advance(time.Minute)
	rec.none(t)
	if _, err := e.Schedule(cueAt(t, now, now.Add(time.Second))); err != ErrClosed {
		t.Fatalf("Schedule after Close err = %v, want ErrClosed", err)
	}
}

func TestSchedule_RejectsUnscheduled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := NewEngine(&offsetRef{clock: clock}, clock, DefaultConfig())
	defer e.Close()
	if _, err := e.Schedule(core.NewImmediate("a", core.TextCue{Text: "hi"})); err != ErrNotScheduled {
		t.Fatalf("err = %v, want ErrNotScheduled", err)
	}
}

// referenceAt answers probes with a separate clock standing in for the hub.
type referenceAt struct{ clock clockwork.Clock }

func (r referenceAt) Probe(context.Context, time.Time) (time.Time, error) {
	return r.clock.Now(), nil
}

// A receiver whose local clock runs 200ms behind the reference presents the
// cue at the reference instant the sender intended.
func TestSchedule_OffsetReceiverPresentsAtIntendedInstant(t *testing.T) {
	hub := clockwork.NewFakeClock()
	local := clockwork.NewFakeClockAt(hub.Now().Add(-200 * time.Millisecond))

	syncer := timesync.New(referenceAt{clock: hub}, local, timesync.Config{Probes: 5, ProbeTimeout: time.Second})
	state, err := syncer.Synchronize(context.Background())
	if err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if state.Offset != 200*time.Millisecond {
		t.Fatalf("Offset = %v, want 200ms", state.Offset)
	}

	e := NewEngine(syncer, local, DefaultConfig())
	defer e.Close()
	rec := newRecorder(hub.Now)
	e.OnDeliver(rec.deliver)

	// Sender is in sync with the hub.
	created := hub.Now()
	msg := cueAt(t, created, created.Add(1500*time.Millisecond))
	if _, err := e.Schedule(msg); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	step := func(d time.Duration) {
		hub.Advance(d)
		local.Advance(d)
	}
	step(1499 * time.Millisecond)
	rec.none(t)
	step(time.Millisecond)
	rec.wait(t)

	rec.mu.Lock()
	at := rec.at[0]
	rec.mu.Unlock()
	if !at.Equal(msg.Target) {
		t.Fatalf("presented at reference %v, want %v", at, msg.Target)
	}
}
