package waitlist

import (
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxDraftChildren = 8

	MinChildWeightKg = 2.0
	MaxChildWeightKg = 60.0
	MinShoeSizeEU    = 15.0
	MaxShoeSizeEU    = 40.0

	maxDraftNameRunes  = 80
	maxDraftNotesRunes = 1000
)

// Draft is optional pre-onboarding profile data attached to a record.
type Draft struct {
	ParentName string       `json:"parentName,omitempty"`
	Children   []DraftChild `json:"children,omitempty"`
	Notes      string       `json:"notes,omitempty"`
	UpdatedAt  *time.Time   `json:"updatedAt,omitempty"`
}

// DraftChild describes one child profile.
type DraftChild struct {
	Name       string   `json:"name,omitempty"`
	WeightKg   *float64 `json:"weightKg,omitempty"`
	ShoeSizeEU *float64 `json:"shoeSizeEu,omitempty"`
}

func (c DraftChild) empty() bool {
	return c.Name == "" && c.WeightKg == nil && c.ShoeSizeEU == nil
}

func (d Draft) clone() Draft {
	out := d
	out.UpdatedAt = cloneTime(d.UpdatedAt)
	if d.Children != nil {
		out.Children = make([]DraftChild, len(d.Children))
		for i, c := range d.Children {
			out.Children[i] = DraftChild{
				Name:       c.Name,
				WeightKg:   cloneFloat(c.WeightKg),
				ShoeSizeEU: cloneFloat(c.ShoeSizeEU),
			}
		}
	}
	return out
}

// IsZero reports whether the draft carries no data.
func (d Draft) IsZero() bool {
	return d.ParentName == "" && d.Notes == "" && len(d.Children) == 0
}

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeDraft strips markup from text fields, drops empty children, clamps numeric
// fields to plausible ranges and keeps at most MaxDraftChildren children.
func SanitizeDraft(d Draft) Draft {
	out := Draft{
		ParentName: sanitizeText(d.ParentName, maxDraftNameRunes),
		Notes:      sanitizeText(d.Notes, maxDraftNotesRunes),
		UpdatedAt:  cloneTime(d.UpdatedAt),
	}
	for _, c := range d.Children {
		child := DraftChild{
			Name:       sanitizeText(c.Name, maxDraftNameRunes),
			WeightKg:   clampFloat(c.WeightKg, MinChildWeightKg, MaxChildWeightKg),
			ShoeSizeEU: clampFloat(c.ShoeSizeEU, MinShoeSizeEU, MaxShoeSizeEU),
		}
		if child.empty() {
			continue
		}
		out.Children = append(out.Children, child)
		if len(out.Children) == MaxDraftChildren {
			break
		}
	}
	return out
}

// MergeDraft overlays a sanitized update onto prev. Non-empty fields in next win;
// a non-empty children list replaces the stored one.
func MergeDraft(prev *Draft, next Draft, now time.Time) Draft {
	next = SanitizeDraft(next)

	var out Draft
	if prev != nil {
		out = prev.clone()
	}
	if next.ParentName != "" {
		out.ParentName = next.ParentName
	}
	if next.Notes != "" {
		out.Notes = next.Notes
	}
	if len(next.Children) > 0 {
		out.Children = next.Children
	}
	ts := now.UTC()
	out.UpdatedAt = &ts
	return out
}

func sanitizeText(s string, maxRunes int) string {
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > maxRunes {
		s = string([]rune(s)[:maxRunes])
	}
	return strings.TrimSpace(s)
}

func clampFloat(p *float64, lo, hi float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return nil
	}
	v = math.Min(math.Max(v, lo), hi)
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
