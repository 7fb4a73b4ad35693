package models

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNewNote_ProjectionsAndIdentity(t *testing.T) {
	a := NewNote("/n/Groceries.md", "Groceries.md", time.Now(), "Shopping LIST", "Milk and Eggs")
	b := NewNote("/n/Groceries.md", "Groceries.md", time.Now(), "Shopping LIST", "Milk and Eggs")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique: %q %q", a.ID, b.ID)
	}
	for _, q := range []string{"shopping", "groceries", "eggs"} {
		if !a.Matches(q) {
			t.Errorf("Matches(%q) = false", q)
		}
	}
	if a.Matches("bread") {
		t.Error("Matches(bread) = true")
	}
}

func TestRefresh_KeepsIDAndUpdatesProjections(t *testing.T) {
	n := NewNote("/n/a.md", "a.md", time.Unix(1, 0), "Old", "old body")
	n.Unsaved = true
	id := n.ID

	fresh := NewNote("/n/b.md", "b.md", time.Unix(2, 0), "New", "new body")
	n.Refresh(fresh)

	if n.ID != id {
		t.Errorf("ID changed: %q -> %q", id, n.ID)
	}
	if n.Unsaved {
		t.Error("Refresh should clear Unsaved")
	}
	if n.Matches("old") {
		t.Error("stale projection still matches")
	}
	if !n.Matches("b.md") || !n.Matches("new") {
		t.Error("fresh projections missing")
	}
}

func TestSortByRecency_Stable(t *testing.T) {
	same := time.Unix(100, 0)
	notes := []Note{
		{RelPath: "x", ModTime: same},
		{RelPath: "newest", ModTime: time.Unix(200, 0)},
		{RelPath: "y", ModTime: same},
		{RelPath: "oldest", ModTime: time.Unix(1, 0)},
	}
	SortByRecency(notes)
	got := make([]string, len(notes))
	for i, n := range notes {
		got[i] = n.RelPath
	}
	if diff := cmp.Diff([]string{"newest", "x", "y", "oldest"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestEntries_DropsUnsaved(t *testing.T) {
	saved := NewNote("/n/a.md", "a.md", time.Unix(5, 0), "A", "body")
	draft := NewNote("/n/draft.md", "draft.md", time.Unix(6, 0), "", "")
	draft.Unsaved = true

	got := Entries([]Note{saved, draft})
	want := []CachedEntry{{RelPath: "a.md", ModTime: time.Unix(5, 0), Title: "A", Preview: "body"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
}

func TestCacheEnvelope_Accepts(t *testing.T) {
	cases := []struct {
		name string
		env  CacheEnvelope
		want bool
	}{
		{"current", CacheEnvelope{Version: CacheFormatVersion, FolderPath: "/n"}, true},
		{"old version", CacheEnvelope{Version: 0, FolderPath: "/n"}, false},
		{"future version", CacheEnvelope{Version: CacheFormatVersion + 1, FolderPath: "/n"}, false},
		{"other folder", CacheEnvelope{Version: CacheFormatVersion, FolderPath: "/other"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.env.Accepts("/n"); got != tc.want {
				t.Errorf("Accepts = %v, want %v", got, tc.want)
			}
		})
	}
}
