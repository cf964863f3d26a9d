package dmtp_test

import (
	"testing"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
)

// TestFSMTransitionTable verifies every transition the session FSM accepts
// against the identification, in-block, and end-of-block rules.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		state     dmtp.State
		pt        dmtp.Type
		wantOK    bool
		wantState dmtp.State
	}{
		{"await ident accepts unique id", dmtp.StateAwaitIdent, dmtp.TypeClientUniqueID, true, dmtp.StateAwaitIdent},
		{"await ident accepts account id", dmtp.StateAwaitIdent, dmtp.TypeClientAccountID, true, dmtp.StateAwaitIdent},
		{"await ident rejects event", dmtp.StateAwaitIdent, dmtp.TypeEventStandardMin, false, dmtp.StateAwaitIdent},
		{"await ident rejects eob", dmtp.StateAwaitIdent, dmtp.TypeClientEOBMore, false, dmtp.StateAwaitIdent},

		{"identified accepts event, moves to in-block", dmtp.StateIdentified, dmtp.TypeEventStandardMin, true, dmtp.StateInBlock},
		{"identified accepts custom event", dmtp.StateIdentified, dmtp.TypeEventCustomMin, true, dmtp.StateInBlock},
		{"identified accepts format def, moves to in-block", dmtp.StateIdentified, dmtp.TypeClientFormatDef24, true, dmtp.StateInBlock},
		{"identified accepts eob-more, stays identified", dmtp.StateIdentified, dmtp.TypeClientEOBMore, true, dmtp.StateIdentified},
		{"identified accepts eob-done, terminates", dmtp.StateIdentified, dmtp.TypeClientEOBDone, true, dmtp.StateTerminated},
		{"identified rejects unique id", dmtp.StateIdentified, dmtp.TypeClientUniqueID, false, dmtp.StateIdentified},

		{"property value causes no state change from identified", dmtp.StateIdentified, dmtp.TypeClientPropertyValue, true, dmtp.StateIdentified},
		{"diagnostic causes no state change from in-block", dmtp.StateInBlock, dmtp.TypeClientDiagnostic, true, dmtp.StateInBlock},

		{"in-block accepts another event, stays in-block", dmtp.StateInBlock, dmtp.TypeEventStandardMax, true, dmtp.StateInBlock},
		{"in-block accepts eob-more, returns to identified", dmtp.StateInBlock, dmtp.TypeClientEOBMore, true, dmtp.StateIdentified},
		{"in-block accepts eob-done, terminates", dmtp.StateInBlock, dmtp.TypeClientEOBDone, true, dmtp.StateTerminated},

		{"terminated rejects everything", dmtp.StateTerminated, dmtp.TypeClientAccountID, false, dmtp.StateTerminated},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotOK := dmtp.Allowed(tt.state, tt.pt)
			if gotOK != tt.wantOK {
				t.Fatalf("Allowed(%s, %s) = %v, want %v", tt.state, tt.pt, gotOK, tt.wantOK)
			}
			if !gotOK {
				return
			}
			gotState := dmtp.Next(tt.state, tt.pt)
			if gotState != tt.wantState {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.state, tt.pt, gotState, tt.wantState)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if got := dmtp.StateAwaitIdent.String(); got != "AWAIT_IDENT" {
		t.Errorf("StateAwaitIdent.String() = %q, want AWAIT_IDENT", got)
	}
	if got := dmtp.State(99).String(); got == "" {
		t.Error("State(99).String() returned empty string for an unknown state")
	}
}
