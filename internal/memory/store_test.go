package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenEmptyStore(t *testing.T) {
	s := Open(t.TempDir(), "bbs.example.net", "ByteRider", nil)
	if s.Credentials.Registered {
		t.Error("fresh store claims registered")
	}
	if len(s.Relationships) != 0 {
		t.Errorf("fresh store has %d relationships", len(s.Relationships))
	}
}

func TestSaveAndReload(t *testing.T) {
	base := t.TempDir()
	s := Open(base, "bbs.example.net", "ByteRider", nil)
	s.Credentials = Credentials{Username: "byterider", Password: "hunter2", Registered: true}
	s.Knowledge.BoardName = "The Citadel"
	s.Knowledge.DoorGames = []string{"LORD", "TradeWars 2002"}
	s.Relationships["SysOp"] = Relationship{Role: "mentor", Trust: 8, Respect: 9}
	s.Plots.Active = []Plot{{ID: "p1", Description: "win the weekly trivia"}}

	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	for _, name := range []string{"credentials.yaml", "knowledge.yaml", "relationships.yaml", "plots.yaml"} {
		if _, err := os.Stat(filepath.Join(base, "bbs.example.net", "ByteRider", name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	r := Open(base, "bbs.example.net", "ByteRider", nil)
	if r.Credentials.Username != "byterider" || !r.Credentials.Registered {
		t.Errorf("credentials = %+v", r.Credentials)
	}
	if r.Knowledge.BoardName != "The Citadel" || len(r.Knowledge.DoorGames) != 2 {
		t.Errorf("knowledge = %+v", r.Knowledge)
	}
	if rel := r.Relationships["SysOp"]; rel.Role != "mentor" || rel.Trust != 8 {
		t.Errorf("relationship = %+v", rel)
	}
	if len(r.Plots.Active) != 1 || r.Plots.Active[0].ID != "p1" {
		t.Errorf("plots = %+v", r.Plots)
	}
}

func TestOpenSurvivesCorruptFile(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "host", "handle")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "knowledge.yaml"), []byte("{{{not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := Open(base, "host", "handle", nil)
	if s.Knowledge.BoardName != "" {
		t.Errorf("corrupt file produced knowledge %+v", s.Knowledge)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	base := t.TempDir()
	s := Open(base, "host", "handle", nil)
	s.Credentials.Username = "x"
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "credentials.yaml" && e.Name() != "knowledge.yaml" &&
			e.Name() != "relationships.yaml" && e.Name() != "plots.yaml" {
			t.Errorf("unexpected file %s left behind", e.Name())
		}
	}
}

func TestApplyClampsAndNormalizes(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	s.Apply(&Extracted{
		Relationships: map[string]Relationship{
			"TooTrusting": {Role: "Ally", Trust: 99, Respect: 0},
			"Stranger":    {Role: "archnemesis", Trust: 5, Respect: 5},
			"Chatty": {Role: "neutral", Trust: 5, Respect: 5,
				RecentInteractions: []string{"a", "b", "c", "d", "e", "f", "g"}},
		},
	})

	if r := s.Relationships["TooTrusting"]; r.Trust != 10 || r.Respect != 1 || r.Role != "ally" {
		t.Errorf("TooTrusting = %+v", r)
	}
	if r := s.Relationships["Stranger"]; r.Role != "neutral" {
		t.Errorf("unknown role normalized to %q, want neutral", r.Role)
	}
	r := s.Relationships["Chatty"]
	if len(r.RecentInteractions) != maxRecentInteractions {
		t.Fatalf("interactions = %d, want %d", len(r.RecentInteractions), maxRecentInteractions)
	}
	if r.RecentInteractions[0] != "c" || r.RecentInteractions[4] != "g" {
		t.Errorf("kept wrong interactions: %v", r.RecentInteractions)
	}
}

func TestApplyAssignsPlotIDs(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	s.Apply(&Extracted{
		Plots: &Plots{Active: []Plot{
			{Description: "no id yet"},
			{ID: "keep-me", Description: "has one"},
		}},
	})

	if s.Plots.Active[0].ID == "" {
		t.Error("new plot did not get an id")
	}
	if s.Plots.Active[1].ID != "keep-me" {
		t.Errorf("existing id overwritten: %q", s.Plots.Active[1].ID)
	}
}

func TestApplyNilSectionsKeepState(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	s.Credentials.Username = "original"
	s.Knowledge.BoardName = "The Citadel"

	s.Apply(&Extracted{Knowledge: &Knowledge{BoardName: "Renamed"}})

	if s.Credentials.Username != "original" {
		t.Errorf("nil credentials section clobbered state: %+v", s.Credentials)
	}
	if s.Knowledge.BoardName != "Renamed" {
		t.Errorf("knowledge not applied: %+v", s.Knowledge)
	}
}

func TestKnownHandlesSorted(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	s.Relationships["zeta"] = Relationship{}
	s.Relationships["Alpha"] = Relationship{}
	s.Relationships["mid"] = Relationship{}

	got := s.KnownHandles()
	want := []string{"Alpha", "mid", "zeta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("KnownHandles() = %v, want %v", got, want)
		}
	}
}

func TestSummaries(t *testing.T) {
	s := Open(t.TempDir(), "host", "handle", nil)
	stamps := []string{"20260101T120000Z", "20260102T120000Z", "20260103T120000Z", "20260104T120000Z"}
	for i, stamp := range stamps {
		if err := s.WriteSummary(stamp, "summary number "+string(rune('1'+i))); err != nil {
			t.Fatalf("WriteSummary: %v", err)
		}
	}

	got := s.RecentSummaries(3)
	if len(got) != 3 {
		t.Fatalf("RecentSummaries(3) returned %d", len(got))
	}
	if got[0] != "summary number 2" || got[2] != "summary number 4" {
		t.Errorf("wrong summaries: %v", got)
	}
}
