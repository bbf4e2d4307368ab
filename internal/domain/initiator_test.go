package domain

import "testing"

func TestIsInitiator_SymmetricAndTotal(t *testing.T) {
	ids := []ParticipantID{"a", "b", "c", "0f2e", "zz", "A"}
	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				if IsInitiator(x, y) {
					t.Errorf("IsInitiator(%q, %q) = true, want false for self", x, y)
				}
				continue
			}
			if IsInitiator(x, y) == IsInitiator(y, x) {
				t.Errorf("IsInitiator(%q, %q) and IsInitiator(%q, %q) agree; exactly one side must initiate", x, y, y, x)
			}
		}
	}
}

func TestParticipant_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Participant
		want error
	}{
		{"ok", Participant{ID: "p1", Name: "alice"}, nil},
		{"empty id", Participant{Name: "alice"}, ErrIDEmpty},
		{"empty name", Participant{ID: "p1"}, ErrNameEmpty},
		{"long name", Participant{ID: "p1", Name: "0123456789012345678901234567890123456789"}, ErrNameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); err != tt.want {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
	if err := (Participant{ID: Broadcast, Name: "x"}).Validate(); err == nil {
		t.Fatal("Validate() accepted the broadcast id")
	}
}
