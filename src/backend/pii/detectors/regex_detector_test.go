package pii

import (
	"context"
	"testing"
)

func TestRegexDetector_GetName(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	if detector.GetName() != "regex_detector" {
		t.Errorf("Expected name 'regex_detector', got '%s'", detector.GetName())
	}
}

func TestRegexDetector_Detect_NoMatches(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)

	benign := []string{
		"Hello, how are you today?",
		"The weather is nice on September 30, 2025.",
		"I like to read books.",
	}

	for _, text := range benign {
		output, err := detector.Detect(context.Background(), DetectorInput{Text: text})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if len(output.Entities) != 0 {
			t.Errorf("Expected 0 entities for %q, got %v", text, output.Entities)
		}
		if output.Text != text {
			t.Errorf("Expected text to remain unchanged, got '%s'", output.Text)
		}
	}
}

func TestRegexDetector_Detect_PhoneAndEmail(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	input := DetectorInput{Text: "Contact me at 0777 444 9999 or email test.user@test.com"}

	output, err := detector.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(output.Entities) != 2 {
		t.Fatalf("Expected 2 entities, got %d: %v", len(output.Entities), output.Entities)
	}

	phone := output.Entities[0]
	if phone.EntityGroup != "PHONE_NUM" || phone.Start != 14 || phone.End != 27 {
		t.Errorf("Unexpected phone entity: %+v", phone)
	}
	if phone.Word != "0777 444 9999" {
		t.Errorf("Expected phone word '0777 444 9999', got '%s'", phone.Word)
	}

	email := output.Entities[1]
	if email.EntityGroup != "EMAIL" || email.Start != 37 || email.End != 55 {
		t.Errorf("Unexpected email entity: %+v", email)
	}
	if email.Score != 1.0 {
		t.Errorf("Expected score 1.0, got %f", email.Score)
	}
}

func TestRegexDetector_Detect_Username(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	input := DetectorInput{Text: "Aiguo Wagner, LinkedIn @aiguo.wagner"}

	output, err := detector.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(output.Entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d: %v", len(output.Entities), output.Entities)
	}
	if got := output.Entities[0]; got.EntityGroup != "USERNAME" || got.Start != 23 || got.End != 36 {
		t.Errorf("Unexpected username entity: %+v", got)
	}
}

func TestRegexDetector_Detect_RuneOffsets(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	// "ñ" is two bytes, so byte and rune offsets differ after it
	input := DetectorInput{Text: "Hello español john@test.com world"}

	output, err := detector.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(output.Entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(output.Entities))
	}

	entity := output.Entities[0]
	if entity.Start != 14 || entity.End != 27 {
		t.Errorf("Expected rune span [14:27], got [%d:%d]", entity.Start, entity.End)
	}
	if got := SliceRunes(input.Text, entity.Start, entity.End); got != "john@test.com" {
		t.Errorf("Expected span to cover 'john@test.com', got '%s'", got)
	}
}

func TestRegexDetector_Detect_DeterministicOrder(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	input := DetectorInput{Text: "Mail a@b.io, call 555-123-4567, ping @someone, mail c@d.io"}

	first, err := detector.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := detector.Detect(context.Background(), input)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if len(again.Entities) != len(first.Entities) {
			t.Fatalf("Entity count changed between runs: %d vs %d", len(first.Entities), len(again.Entities))
		}
		for j := range first.Entities {
			if first.Entities[j] != again.Entities[j] {
				t.Errorf("Entity %d differs between runs: %+v vs %+v", j, first.Entities[j], again.Entities[j])
			}
		}
	}

	for j := 1; j < len(first.Entities); j++ {
		if first.Entities[j-1].Start > first.Entities[j].Start {
			t.Errorf("Entities not in source order: %v", first.Entities)
		}
	}
}

func TestRegexDetector_Detect_CancelledContext(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := detector.Detect(ctx, DetectorInput{Text: "a@b.io"}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestRegexDetector_Close(t *testing.T) {
	detector := NewRegexDetector(PIIPatterns)
	if err := detector.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
}
