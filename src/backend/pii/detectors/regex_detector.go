package pii

import (
	"context"
	"regexp"
	"sort"
)

// RegexDetector implements Detector using regular expressions.
// It lets the service run without a model installed.
type RegexDetector struct {
	labels   []string
	patterns map[string]*regexp.Regexp
}

func NewRegexDetector(patterns map[string]string) *RegexDetector {
	regexMap := make(map[string]*regexp.Regexp, len(patterns))
	labels := make([]string, 0, len(patterns))
	for label, pattern := range patterns {
		regexMap[label] = regexp.MustCompile(pattern)
		labels = append(labels, label)
	}
	sort.Strings(labels)

	return &RegexDetector{
		labels:   labels,
		patterns: regexMap,
	}
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect returns matches in source order. Offsets are converted to rune offsets.
func (r *RegexDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	entities := []Entity{}
	var runeOffsets []int

	for _, label := range r.labels {
		matches := r.patterns[label].FindAllStringIndex(input.Text, -1)
		if len(matches) > 0 && runeOffsets == nil {
			runeOffsets = ByteToRuneOffsets(input.Text)
		}
		for _, match := range matches {
			if match[0] == match[1] {
				continue
			}
			entities = append(entities, Entity{
				EntityGroup: label,
				Score:       1.0,
				Word:        input.Text[match[0]:match[1]],
				Start:       runeOffsets[match[0]],
				End:         runeOffsets[match[1]],
			})
		}
	}

	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Start != entities[j].Start {
			return entities[i].Start < entities[j].Start
		}
		return entities[i].End > entities[j].End
	})

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}
