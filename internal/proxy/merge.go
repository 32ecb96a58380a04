package proxy

import (
	"sort"

	"github.com/louisbranch/proxyfeed/internal/diffpatch"
)

// PolicyFunc resolves the merge policy a writing domain declared for a
// top-level field id. Unknown pairs fall back to the defaults
// (OVERWRITE, PARENT).
type PolicyFunc func(domainID, fieldID string) (MergeHorizontal, MergeVertical)

// PolicyFromConfigs builds a PolicyFunc over a set of domain configs.
func PolicyFromConfigs(configs []DomainConfig) PolicyFunc {
	byID := make(map[string]DomainConfig, len(configs))
	for _, config := range configs {
		byID[config.DomainID] = config
	}
	return func(domainID, fieldID string) (MergeHorizontal, MergeVertical) {
		config, ok := byID[domainID]
		if !ok {
			return MergeOverwrite, MergeParent
		}
		field, ok := config.Field(fieldID)
		if !ok {
			return MergeOverwrite, MergeParent
		}
		return field.HorizontalOrDefault(), field.VerticalOrDefault()
	}
}

type contribution struct {
	value      any
	horizontal MergeHorizontal
	vertical   MergeVertical
	origin     string
	seq        int
}

// MergeFragments recomputes a proxy's dynamic fields from its fragment
// history. The result is a pure function of the fragments and the policy:
// replaying the same fragment set always yields the same view.
//
// Precedence is vertical rank first. PARENT contributions are folded before
// CHILD contributions, and a lower rank never displaces a value a higher
// rank produced. Within one rank, fragments apply in chronological order and
// the horizontal policy decides: OVERWRITE replaces, SHY only fills
// absent-or-empty values.
func MergeFragments(fragments []Fragment, policy PolicyFunc) map[string]any {
	ordered := make([]Fragment, len(fragments))
	copy(ordered, fragments)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].UpdatedAt.Equal(ordered[j].UpdatedAt) {
			return ordered[i].UpdatedAt.Before(ordered[j].UpdatedAt)
		}
		return ordered[i].Origin < ordered[j].Origin
	})

	byField := make(map[string][]contribution)
	for seq, fragment := range ordered {
		keys := make([]string, 0, len(fragment.Values))
		for key := range fragment.Values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			horizontal, vertical := policy(fragment.DomainID, key)
			byField[key] = append(byField[key], contribution{
				value:      fragment.Values[key],
				horizontal: horizontal,
				vertical:   vertical,
				origin:     fragment.Origin,
				seq:        seq,
			})
		}
	}

	merged := make(map[string]any, len(byField))
	for field, contributions := range byField {
		if value, ok := foldField(contributions); ok {
			merged[field] = value
		}
	}
	return merged
}

// foldField applies contributions in rank-major order and reports whether
// any contribution produced a value.
func foldField(contributions []contribution) (any, bool) {
	var current any
	holderRank := MergeChild
	applied := false

	for _, rank := range []MergeVertical{MergeParent, MergeChild} {
		for _, c := range contributions {
			if c.vertical != rank {
				continue
			}
			if !applied || diffpatch.IsEmpty(current) {
				current = diffpatch.DeepCopy(c.value)
				holderRank = rank
				applied = true
				continue
			}
			// A subordinate rank never displaces a higher-rank value.
			if rank == MergeChild && holderRank == MergeParent {
				continue
			}
			if c.horizontal == MergeShy {
				continue
			}
			current = diffpatch.DeepCopy(c.value)
			holderRank = rank
		}
	}
	return current, applied
}

// UpsertFragment replaces the fragment with the same origin, or appends a
// new one. Replays of the same source document therefore converge instead of
// accumulating.
func UpsertFragment(fragments []Fragment, incoming Fragment) []Fragment {
	for i, existing := range fragments {
		if existing.Origin == incoming.Origin {
			fragments[i] = incoming
			return fragments
		}
	}
	return append(fragments, incoming)
}
