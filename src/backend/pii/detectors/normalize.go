package pii

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultEntityGroup is used when a prediction carries no category at all
const DefaultEntityGroup = "PII"

// ErrMalformedPrediction is returned when a prediction cannot be turned into an Entity
var ErrMalformedPrediction = errors.New("malformed prediction")

// categoryKeys lists the keys a category may appear under, in priority order.
// Aggregated pipelines use entity_group, raw token pipelines use entity.
var categoryKeys = []string{"entity_group", "entity", "label"}

// NormalizePrediction converts a raw prediction into a fixed-shape Entity.
// Offsets are checked against the rune length of text.
func NormalizePrediction(text string, p Prediction) (Entity, error) {
	start, ok := intField(p, "start")
	if !ok {
		return Entity{}, fmt.Errorf("%w: missing start offset", ErrMalformedPrediction)
	}
	end, ok := intField(p, "end")
	if !ok {
		return Entity{}, fmt.Errorf("%w: missing end offset", ErrMalformedPrediction)
	}

	entity := Entity{
		EntityGroup: category(p),
		Start:       start,
		End:         end,
	}
	if score, ok := floatField(p, "score"); ok {
		entity.Score = score
	}

	if err := ValidateSpan(text, entity.Start, entity.End); err != nil {
		return Entity{}, err
	}

	if word, ok := p["word"].(string); ok {
		entity.Word = word
	} else {
		entity.Word = SliceRunes(text, entity.Start, entity.End)
	}

	return entity, nil
}

// NormalizePredictions normalizes a whole prediction list, keeping its order
func NormalizePredictions(text string, predictions []Prediction) ([]Entity, error) {
	entities := make([]Entity, 0, len(predictions))
	for i, p := range predictions {
		entity, err := NormalizePrediction(text, p)
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", i, err)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

// ValidateSpan checks 0 <= start < end <= rune length of text
func ValidateSpan(text string, start, end int) error {
	n := utf8.RuneCountInString(text)
	if start < 0 || end > n || start >= end {
		return fmt.Errorf("%w: span [%d:%d] out of bounds for text of length %d", ErrMalformedPrediction, start, end, n)
	}
	return nil
}

// SliceRunes returns text[start:end] using rune offsets
func SliceRunes(text string, start, end int) string {
	runes := []rune(text)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

// ByteToRuneOffsets builds a lookup from byte offset to rune offset.
// The returned slice has len(text)+1 entries so an exclusive end offset maps too.
// Continuation bytes map to the rune that contains them.
func ByteToRuneOffsets(text string) []int {
	offsets := make([]int, len(text)+1)
	runeIdx := 0
	for i := 0; i < len(text); {
		_, width := utf8.DecodeRuneInString(text[i:])
		for j := 0; j < width; j++ {
			offsets[i+j] = runeIdx
		}
		i += width
		runeIdx++
	}
	offsets[len(text)] = runeIdx
	return offsets
}

func category(p Prediction) string {
	for _, key := range categoryKeys {
		value, ok := p[key].(string)
		if !ok || value == "" {
			continue
		}
		// Token-level labels carry an IOB prefix
		value = strings.TrimPrefix(strings.TrimPrefix(value, "B-"), "I-")
		if value != "" {
			return value
		}
	}
	return DefaultEntityGroup
}

func intField(p Prediction, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func floatField(p Prediction, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
