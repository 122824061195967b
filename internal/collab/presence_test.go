package collab

import "testing"

func TestPresenceDeduplicatesByUser(t *testing.T) {
	p := NewPresence()

	if _, first := p.Join(alice); !first {
		t.Fatal("first session should report first join")
	}
	if _, first := p.Join(alice); first {
		t.Fatal("second session of the same user must not report a join")
	}
	if p.Count() != 1 {
		t.Fatalf("presence should hold one entry, got %d", p.Count())
	}

	if _, last := p.Leave("alice"); last {
		t.Fatal("leaving one of two sessions must not report last")
	}
	if _, last := p.Leave("alice"); !last {
		t.Fatal("leaving the final session should report last")
	}
	if p.Count() != 0 {
		t.Fatalf("presence should be empty, got %d", p.Count())
	}
}

func TestPresenceLeaveWithoutJoin(t *testing.T) {
	p := NewPresence()
	if _, last := p.Leave("ghost"); last {
		t.Fatal("leave without join must be a no-op")
	}
}

func TestPresenceMembersSorted(t *testing.T) {
	p := NewPresence()
	p.Join(bob)
	p.Join(alice)
	members := p.Members()
	if len(members) != 2 || members[0].UserID != "alice" || members[1].UserID != "bob" {
		t.Fatalf("unexpected member order: %+v", members)
	}
	if members[0].Color == "" {
		t.Fatal("members should carry their assigned color")
	}
}

func TestColorForIsDeterministic(t *testing.T) {
	if ColorFor("alice") != ColorFor("alice") {
		t.Fatal("color assignment must be a pure function of the user id")
	}
	found := false
	for _, c := range palette {
		if c == ColorFor("alice") {
			found = true
		}
	}
	if !found {
		t.Fatal("assigned color must come from the fixed palette")
	}
}
