package domain

import (
	"slices"
	"strings"
)

// UserRequirement is the structured set of requirements collected from the
// conversation. Fields fill in incrementally and are never cleared once set.
type UserRequirement struct {
	Style            string   `json:"style,omitempty"`
	Mood             string   `json:"mood,omitempty"`
	Duration         float64  `json:"duration,omitempty"`
	Language         string   `json:"language,omitempty"`
	Theme            string   `json:"theme,omitempty"`
	TargetAudience   string   `json:"target_audience,omitempty"`
	SpecificRequests []string `json:"specific_requests,omitempty"`
}

// Merge copies every non-empty field of other into r and appends new specific
// requests. Empty values in other never clear a field. It reports whether r changed.
func (r *UserRequirement) Merge(other UserRequirement) bool {
	changed := false
	set := func(dst *string, v string) {
		v = strings.TrimSpace(v)
		if v != "" && v != *dst {
			*dst = v
			changed = true
		}
	}
	set(&r.Style, other.Style)
	set(&r.Mood, other.Mood)
	set(&r.Language, other.Language)
	set(&r.Theme, other.Theme)
	set(&r.TargetAudience, other.TargetAudience)
	if other.Duration > 0 && other.Duration != r.Duration {
		r.Duration = other.Duration
		changed = true
	}
	for _, req := range other.SpecificRequests {
		req = strings.TrimSpace(req)
		if req == "" || slices.Contains(r.SpecificRequests, req) {
			continue
		}
		r.SpecificRequests = append(r.SpecificRequests, req)
		changed = true
	}
	return changed
}

// Clone returns a copy of r with its own slice.
func (r UserRequirement) Clone() UserRequirement {
	r.SpecificRequests = slices.Clone(r.SpecificRequests)
	return r
}
