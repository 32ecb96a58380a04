// Package i18n resolves per-locale label maps using language matching.
//
// Labels are small maps of BCP 47 locale tags to display text, carried inside
// expression trees and field definitions. Resolution never affects control
// flow; an unmatched locale falls back to the base locale, then to any
// available entry in deterministic order.
package i18n

import (
	"sort"

	"golang.org/x/text/language"
)

// BaseLocale is the canonical source locale for labels.
const BaseLocale = "en-US"

// Resolve returns the label text best matching the requested locale.
func Resolve(labels map[string]string, locale string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tags := make([]language.Tag, 0, len(keys))
	tagged := make([]string, 0, len(keys))
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		tagged = append(tagged, key)
	}

	if len(tags) > 0 && locale != "" {
		if requested, err := language.Parse(locale); err == nil {
			matcher := language.NewMatcher(tags)
			_, index, confidence := matcher.Match(requested)
			if confidence > language.No {
				return labels[tagged[index]]
			}
		}
	}

	if text, ok := labels[BaseLocale]; ok {
		return text
	}
	return labels[keys[0]]
}
