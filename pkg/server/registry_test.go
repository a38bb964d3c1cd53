package server

import (
	"strings"
	"testing"

	"github.com/onepad/onepad/internal/protocol"
)

func join(userID, name, color string) protocol.UserJoinedMsg {
	return protocol.UserJoinedMsg{UserID: userID, Name: name, Color: color}
}

func TestIdentifyValidation(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.UserJoinedMsg
		ok   bool
	}{
		{"valid", join("u00001", "Alice", "#f00"), true},
		{"user id too short", join(strings.Repeat("u", protocol.MinUserIDLen-1), "Alice", "#f00"), false},
		{"missing user id", join("", "Alice", "#f00"), false},
		{"missing name", join("u00001", "", "#f00"), false},
		{"missing color", join("u00001", "Alice", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			_, err := r.Identify("c1", tt.msg)
			if tt.ok && err != nil {
				t.Fatalf("expected identify to succeed, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected identify to fail")
			}
			if !tt.ok && r.Count() != 0 {
				t.Errorf("rejected identify must not create a session, have %d", r.Count())
			}
		})
	}
}

func TestTakeoverDisplacesOldConnection(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Identify("c1", join("u00001", "Alice", "#f00")); err != nil {
		t.Fatalf("first identify: %v", err)
	}

	displaced, err := r.Identify("c2", join("u00001", "Alice", "#f00"))
	if err != nil {
		t.Fatalf("takeover identify: %v", err)
	}
	if displaced != "c1" {
		t.Errorf("expected displaced connection c1, got %q", displaced)
	}
	if r.Count() != 1 {
		t.Errorf("expected a single session after takeover, got %d", r.Count())
	}

	sess, ok := r.Resolve("c2")
	if !ok || sess.UserID != "u00001" {
		t.Errorf("expected c2 to own u00001, got %+v (ok=%v)", sess, ok)
	}
	if _, ok := r.Resolve("c1"); ok {
		t.Error("displaced connection must lose its mapping")
	}
}

func TestDisconnectAfterTakeoverIsNoop(t *testing.T) {
	r := NewRegistry()

	r.Identify("c1", join("u00001", "Alice", "#f00"))
	r.Identify("c2", join("u00001", "Alice", "#f00"))

	// The old connection goes away after the reconnect already took over.
	if _, removed := r.Disconnect("c1"); removed {
		t.Fatal("disconnect of a displaced connection must not evict the user")
	}
	if r.Count() != 1 {
		t.Errorf("expected the reconnected session to survive, got %d sessions", r.Count())
	}

	userID, removed := r.Disconnect("c2")
	if !removed || userID != "u00001" {
		t.Errorf("expected the owning connection to remove u00001, got (%q, %v)", userID, removed)
	}
	if r.Count() != 0 {
		t.Errorf("expected no sessions, got %d", r.Count())
	}
}

func TestReidentifyOnSameConnection(t *testing.T) {
	r := NewRegistry()

	r.Identify("c1", join("u00001", "Alice", "#f00"))
	displaced, err := r.Identify("c1", join("u00002", "Alice", "#f00"))
	if err != nil {
		t.Fatalf("re-identify: %v", err)
	}
	if displaced != "" {
		t.Errorf("re-identify on the same connection must not displace anyone, got %q", displaced)
	}

	if r.Count() != 1 {
		t.Fatalf("stale binding must be dropped, have %d sessions", r.Count())
	}
	sess, ok := r.Resolve("c1")
	if !ok || sess.UserID != "u00002" {
		t.Errorf("expected c1 to own u00002, got %+v (ok=%v)", sess, ok)
	}
}

func TestListOthersExcludesSelf(t *testing.T) {
	r := NewRegistry()

	r.Identify("c1", join("u00001", "Alice", "#f00"))
	r.Identify("c2", join("u00002", "Bob", "#00f"))

	others := r.ListOthers("u00001")
	if len(others) != 1 {
		t.Fatalf("expected one other user, got %d", len(others))
	}
	if info, ok := others["u00002"]; !ok || info.Name != "Bob" || info.Color != "#00f" {
		t.Errorf("unexpected others map: %+v", others)
	}

	// The empty user ID belongs to no one, so everyone is listed.
	if all := r.ListOthers(""); len(all) != 2 {
		t.Errorf("expected both users for an unidentified requester, got %d", len(all))
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	r := NewRegistry()

	r.Identify("c1", join("u00001", "Alice", "#f00"))
	before, _ := r.Resolve("c1")

	touched, ok := r.Touch("c1")
	if !ok {
		t.Fatal("expected touch to resolve the session")
	}
	if touched.LastSeen.Before(before.LastSeen) {
		t.Error("touch must not move last seen backwards")
	}

	if _, ok := r.Touch("nope"); ok {
		t.Error("touch of an unknown connection must fail")
	}
}
