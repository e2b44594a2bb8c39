package disposition

import (
	"errors"
	"reflect"
	"testing"

	"pixmatch/internal/models"
)

var (
	file  = models.ImageSource{Path: "/photos/a.jpg"}
	entry = models.ImageSource{Path: "/photos/set.zip", Entry: "b.jpg"}
)

func TestNext(t *testing.T) {
	tests := []struct {
		from, to models.Disposition
	}{
		{models.None, models.Delete},
		{models.Delete, models.Ignore},
		{models.Ignore, models.None},
	}
	for _, tt := range tests {
		if got := Next(tt.from); got != tt.to {
			t.Errorf("Next(%s) = %s, want %s", tt.from, got, tt.to)
		}
	}
}

func TestCycle_File(t *testing.T) {
	tr := NewTracker()
	want := []models.Disposition{models.Delete, models.Ignore, models.None, models.Delete}
	for i, w := range want {
		got, err := tr.Cycle(file)
		if err != nil {
			t.Fatalf("step %d: Cycle failed: %v", i, err)
		}
		if got != w || tr.Get(file.Key()) != w {
			t.Errorf("step %d: got %s (stored %s), want %s", i, got, tr.Get(file.Key()), w)
		}
	}
}

func TestCycle_ArchiveEntryRejectsDelete(t *testing.T) {
	tr := NewTracker()

	got, err := tr.Cycle(entry)
	var invalid *InvalidDispositionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidDispositionError, got %v", err)
	}
	if invalid.Disposition != models.Delete {
		t.Errorf("rejected disposition = %s, want delete", invalid.Disposition)
	}
	if got != models.None || tr.Get(entry.Key()) != models.None {
		t.Errorf("state changed after rejection: %s", tr.Get(entry.Key()))
	}
}

func TestCycleEligible_ArchiveEntry(t *testing.T) {
	tr := NewTracker()
	want := []models.Disposition{models.Ignore, models.None, models.Ignore}
	for i, w := range want {
		if got := tr.CycleEligible(entry); got != w {
			t.Errorf("step %d: got %s, want %s", i, got, w)
		}
	}
	if got := tr.CycleEligible(file); got != models.Delete {
		t.Errorf("file should still reach delete, got %s", got)
	}
}

func TestSet(t *testing.T) {
	tr := NewTracker()
	if err := tr.Set(file, models.Ignore); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := tr.Set(entry, models.Delete); err == nil {
		t.Error("expected archive entry to reject delete")
	}
	if err := tr.Set(entry, models.Ignore); err != nil {
		t.Errorf("archive entry should accept ignore: %v", err)
	}
	if err := tr.Set(file, models.Disposition(9)); err == nil {
		t.Error("expected unknown disposition to be rejected")
	}
	if tr.Get(file.Key()) != models.Ignore {
		t.Errorf("file = %s, want ignore", tr.Get(file.Key()))
	}
}

func TestResetRetainMarked(t *testing.T) {
	tr := NewTracker()
	a := models.ImageSource{Path: "a"}
	b := models.ImageSource{Path: "b"}
	c := models.ImageSource{Path: "c"}
	for _, s := range []models.ImageSource{c, a, b} {
		if err := tr.Set(s, models.Delete); err != nil {
			t.Fatal(err)
		}
	}

	if got := tr.Marked(models.Delete); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Marked = %v", got)
	}

	tr.Reset("b")
	tr.Retain(map[string]int{"a": 1, "b": 1})
	if got := tr.Marked(models.Delete); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("after Reset/Retain Marked = %v, want [a]", got)
	}
	if got := tr.Marked(models.None); got != nil {
		t.Errorf("Marked(None) = %v, want nil", got)
	}
}

func TestPlan(t *testing.T) {
	tr := NewTracker()
	recs := []*models.ImageRecord{
		{Source: models.ImageSource{Path: "z.jpg"}},
		{Source: models.ImageSource{Path: "k.jpg"}},
		{Source: models.ImageSource{Path: "i.jpg"}},
		{Source: entry},
	}
	_ = tr.Set(recs[0].Source, models.Delete)
	_ = tr.Set(recs[1].Source, models.Delete)
	_ = tr.Set(recs[2].Source, models.Ignore)

	plan := tr.Plan(recs)
	if len(plan) != 2 || plan[0].Key() != "k.jpg" || plan[1].Key() != "z.jpg" {
		t.Errorf("unexpected plan: %v", plan)
	}
}
