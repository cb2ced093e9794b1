package pii

import (
	"fmt"
	"sort"
	"unicode"

	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
)

// MaskLabel returns the bracketed replacement token for an entity
func MaskLabel(entity detectors.Entity) string {
	label := entity.EntityGroup
	if label == "" {
		label = detectors.DefaultEntityGroup
	}
	return "[" + label + "]"
}

// MaskEntities replaces every entity span in text with its bracketed label.
//
// Entities are applied from the highest start offset to the lowest so that
// pending spans keep their original offsets. A single space is added on each
// side of a token when the neighbouring character in the working text exists
// and is not whitespace. Overlapping spans are applied as they come; an end
// offset that falls past the shrunken working text is clamped to it.
func MaskEntities(text string, entities []detectors.Entity) (string, error) {
	if len(entities) == 0 {
		return text, nil
	}

	ordered := make([]detectors.Entity, len(entities))
	copy(ordered, entities)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start > ordered[j].Start
	})

	working := []rune(text)
	for _, entity := range ordered {
		start, end := entity.Start, entity.End
		if end > len(working) {
			end = len(working)
		}
		if start < 0 || start > end {
			return "", fmt.Errorf("%w: span [%d:%d] does not fit working text of length %d",
				detectors.ErrMalformedPrediction, entity.Start, entity.End, len(working))
		}

		replacement := MaskLabel(entity)
		if start > 0 && !unicode.IsSpace(working[start-1]) {
			replacement = " " + replacement
		}
		if end < len(working) && !unicode.IsSpace(working[end]) {
			replacement += " "
		}

		spliced := make([]rune, 0, len(working)-(end-start)+len(replacement))
		spliced = append(spliced, working[:start]...)
		spliced = append(spliced, []rune(replacement)...)
		spliced = append(spliced, working[end:]...)
		working = spliced
	}

	return string(working), nil
}
