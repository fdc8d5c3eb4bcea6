package waitlist

import (
	"math"
	"strings"
	"testing"
	"time"
)

func f64(v float64) *float64 { return &v }

func TestSanitizeDraft(t *testing.T) {
	t.Parallel()

	in := Draft{
		ParentName: `  <b>Jane</b>   <script>alert(1)</script>Doe  `,
		Notes:      "Tom & Jerry",
		Children: []DraftChild{
			{Name: "Mia", WeightKg: f64(0.5), ShoeSizeEU: f64(52)},
			{},
			{Name: "   ", WeightKg: f64(math.NaN())},
			{Name: "Leo", WeightKg: f64(18.2), ShoeSizeEU: f64(27)},
			{WeightKg: f64(75)},
		},
	}
	got := SanitizeDraft(in)

	if got.ParentName != "Jane Doe" {
		t.Fatalf("ParentName=%q", got.ParentName)
	}
	if got.Notes != "Tom & Jerry" {
		t.Fatalf("Notes=%q", got.Notes)
	}
	if len(got.Children) != 3 {
		t.Fatalf("expected 3 children after dropping empties, got %d", len(got.Children))
	}
	mia := got.Children[0]
	if *mia.WeightKg != MinChildWeightKg || *mia.ShoeSizeEU != MaxShoeSizeEU {
		t.Fatalf("expected clamped values, got %v %v", *mia.WeightKg, *mia.ShoeSizeEU)
	}
	if *got.Children[1].WeightKg != 18.2 || *got.Children[1].ShoeSizeEU != 27 {
		t.Fatalf("in-range values must be kept")
	}
	if *got.Children[2].WeightKg != MaxChildWeightKg {
		t.Fatalf("expected weight clamped to max")
	}
}

func TestSanitizeDraft_LimitsChildrenAndLength(t *testing.T) {
	t.Parallel()

	var d Draft
	for i := 0; i < 12; i++ {
		d.Children = append(d.Children, DraftChild{Name: "kid"})
	}
	d.ParentName = strings.Repeat("é", 200)

	got := SanitizeDraft(d)
	if len(got.Children) != MaxDraftChildren {
		t.Fatalf("children=%d want %d", len(got.Children), MaxDraftChildren)
	}
	if n := len([]rune(got.ParentName)); n != maxDraftNameRunes {
		t.Fatalf("name runes=%d want %d", n, maxDraftNameRunes)
	}
}

func TestMergeDraft(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	prev := &Draft{ParentName: "Jane", Notes: "old", Children: []DraftChild{{Name: "Mia"}}}

	got := MergeDraft(prev, Draft{Notes: "new"}, now)
	if got.ParentName != "Jane" || got.Notes != "new" || len(got.Children) != 1 {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.Equal(now) {
		t.Fatalf("expected UpdatedAt stamp")
	}

	got = MergeDraft(prev, Draft{Children: []DraftChild{{}, {Name: "Leo"}}}, now)
	if len(got.Children) != 1 || got.Children[0].Name != "Leo" {
		t.Fatalf("non-empty children should replace stored list: %+v", got.Children)
	}
	if prev.Children[0].Name != "Mia" {
		t.Fatalf("MergeDraft must not mutate prev")
	}
}
