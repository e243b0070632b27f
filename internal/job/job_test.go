package job

import (
	"strings"
	"testing"
	"time"
)

func TestNewID_PrefixAndShape(t *testing.T) {
	for _, jt := range Types {
		id := NewID(jt)
		if !strings.HasPrefix(id, jt.Prefix()+"-") {
			t.Fatalf("id %q missing prefix %q", id, jt.Prefix())
		}
		parts := strings.SplitN(id, "-", 3)
		if len(parts) != 3 {
			t.Fatalf("id %q: want <prefix>-<timestamp>-<random>", id)
		}
		if len(parts[2]) != 8 {
			t.Fatalf("id %q: random suffix length = %d, want 8", id, len(parts[2]))
		}
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID(TypeImplement)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestSpecValidate(t *testing.T) {
	valid := Spec{
		ID:       "impl-1-abc",
		Type:     TypeImplement,
		RepoKeys: []string{"repo-one"},
		Channel:  ChannelRef{Provider: "slack", ChannelID: "C1"},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing id", func(s *Spec) { s.ID = "" }},
		{"bad type", func(s *Spec) { s.Type = "DANCE" }},
		{"no repos", func(s *Spec) { s.RepoKeys = nil }},
		{"duplicate repo", func(s *Spec) { s.RepoKeys = []string{"a", "a"} }},
		{"no provider", func(s *Spec) { s.Channel.Provider = "" }},
	}
	for _, tc := range cases {
		s := valid
		s.RepoKeys = append([]string(nil), valid.RepoKeys...)
		tc.mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSpecMutating(t *testing.T) {
	if !(Spec{Type: TypeImplement}).Mutating() {
		t.Fatal("IMPLEMENT should be mutating")
	}
	if (Spec{Type: TypeAsk}).Mutating() {
		t.Fatal("plain ASK should not be mutating")
	}
	ask := Spec{Type: TypeAsk, Settings: &Settings{AllowWrites: true}}
	if !ask.Mutating() {
		t.Fatal("ASK with allowWrites should be mutating")
	}
	if (Spec{Type: TypeReview}).Mutating() {
		t.Fatal("REVIEW should not be mutating")
	}
}

func TestPatchApply_MergesBranches(t *testing.T) {
	now := time.Now()
	rec := NewRecord(Spec{ID: "impl-1-a", Type: TypeImplement}, now)

	Patch{BranchByRepo: map[string]string{"repo-one": "sniptail/impl-1-a"}}.Apply(&rec, now)
	Patch{BranchByRepo: map[string]string{"repo-two": "sniptail/impl-1-a"}}.Apply(&rec, now)

	if len(rec.BranchByRepo) != 2 {
		t.Fatalf("branchByRepo = %v, want both repos", rec.BranchByRepo)
	}
	if rec.Status != StatusQueued {
		t.Fatalf("status changed unexpectedly: %s", rec.Status)
	}
}

func TestPatchApply_TerminalWrite(t *testing.T) {
	now := time.Now()
	rec := NewRecord(Spec{ID: "impl-1-a", Type: TypeImplement}, now)
	rec.Status = StatusRunning

	summary := "done"
	ok := StatusOK
	Patch{
		Status:        &ok,
		Summary:       &summary,
		MergeRequests: []MergeRequest{{RepoKey: "repo-one", Branch: "sniptail/impl-1-a", URL: "https://example.com/mr/1"}},
	}.Apply(&rec, now.Add(time.Second))

	if rec.Status != StatusOK || rec.Summary != "done" || len(rec.MergeRequests) != 1 {
		t.Fatalf("terminal patch not applied atomically: %+v", rec)
	}
	if !rec.UpdatedAt.After(rec.CreatedAt) {
		t.Fatal("updatedAt not advanced")
	}
}

func TestPatchApply_DeleteAt(t *testing.T) {
	now := time.Now()
	rec := NewRecord(Spec{ID: "ask-1-a", Type: TypeAsk}, now)

	due := now.Add(time.Hour)
	Patch{DeleteAt: &due}.Apply(&rec, now)
	if rec.DeleteAt == nil {
		t.Fatal("deleteAt not set")
	}
	Patch{ClearDeleteAt: true}.Apply(&rec, now)
	if rec.DeleteAt != nil {
		t.Fatal("deleteAt not cleared")
	}
}
