package pii

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"

	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
)

// DetectorProvider is an interface for getting the current detector
// This allows the Service to always use the latest detector after hot reloads.
// The returned release func must be called once the detector is no longer used.
type DetectorProvider interface {
	AcquireDetector() (detectors.Detector, func(), error)
}

// LoggingConfig controls what the service logs about detected PII
type LoggingConfig interface {
	GetLogPIIChanges() bool
	GetLogVerbose() bool
}

// DetectionResult is the response of a detect call
type DetectionResult struct {
	Text     string             `json:"text"`
	Entities []detectors.Entity `json:"entities"`
}

// MaskingResult is the response of a mask call
type MaskingResult struct {
	OriginalText string `json:"original_text"`
	MaskedText   string `json:"masked_text"`

	// Entities that were masked; kept off the wire
	Entities []detectors.Entity `json:"-"`
}

// Service implements PII detection and masking on top of a shared detector.
// It keeps no per-request state and is safe for concurrent use.
type Service struct {
	detectorProvider DetectorProvider
	logging          LoggingConfig
}

// NewService creates a new service
// The detectorProvider should be a ModelManager that provides the current detector
func NewService(detectorProvider DetectorProvider, logging LoggingConfig) *Service {
	return &Service{
		detectorProvider: detectorProvider,
		logging:          logging,
	}
}

// Detect returns the entities found in text, in the order the detector produced them
func (s *Service) Detect(ctx context.Context, text string) (DetectionResult, error) {
	entities, err := s.infer(ctx, text)
	if err != nil {
		return DetectionResult{}, err
	}

	return DetectionResult{
		Text:     text,
		Entities: entities,
	}, nil
}

// Mask returns text with every detected span replaced by its bracketed label
func (s *Service) Mask(ctx context.Context, text string) (MaskingResult, error) {
	entities, err := s.infer(ctx, text)
	if err != nil {
		return MaskingResult{}, err
	}

	masked, err := MaskEntities(text, entities)
	if err != nil {
		return MaskingResult{}, classifyInferenceError(err)
	}

	return MaskingResult{
		OriginalText: text,
		MaskedText:   masked,
		Entities:     entities,
	}, nil
}

// validateText rejects blank and whitespace-only input
func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return newValidationError(EmptyInputMessage)
	}
	return nil
}

// infer runs the shared validate → readiness → inference → normalize sequence.
// The detector is called exactly once with the unstripped text.
func (s *Service) infer(ctx context.Context, text string) ([]detectors.Entity, error) {
	if err := validateText(text); err != nil {
		return nil, err
	}

	detector, release, err := s.detectorProvider.AcquireDetector()
	if err != nil {
		var svcErr *Error
		if errors.As(err, &svcErr) {
			return nil, svcErr
		}
		return nil, newNotReadyError(err)
	}
	defer release()

	output, err := detector.Detect(ctx, detectors.DetectorInput{Text: text})
	if err != nil {
		log.Printf("[PII] ❌ Detector %s failed: %v", detector.GetName(), err)
		return nil, classifyInferenceError(err)
	}

	entities := make([]detectors.Entity, 0, len(output.Entities))
	for _, entity := range output.Entities {
		if err := detectors.ValidateSpan(text, entity.Start, entity.End); err != nil {
			log.Printf("[PII] ❌ Detector %s returned a malformed span: %v", detector.GetName(), err)
			return nil, classifyInferenceError(err)
		}
		entities = append(entities, entity)
	}

	s.logEntities(entities)
	return entities, nil
}

func (s *Service) logEntities(entities []detectors.Entity) {
	if s.logging == nil || !s.logging.GetLogPIIChanges() {
		return
	}

	if len(entities) == 0 {
		log.Printf("[PII] No PII detected")
		return
	}

	log.Printf("[PII] ⚠️  PII detected: %d entities (%s)", len(entities), summarizeCategories(entities))
	if s.logging.GetLogVerbose() {
		for _, entity := range entities {
			log.Printf("[PII]   %s %q [%d:%d] score=%.4f",
				entity.EntityGroup, entity.Word, entity.Start, entity.End, entity.Score)
		}
	}
}

// CategoryCounts counts entities per category
func CategoryCounts(entities []detectors.Entity) map[string]int {
	counts := make(map[string]int)
	for _, entity := range entities {
		counts[entity.EntityGroup]++
	}
	return counts
}

func summarizeCategories(entities []detectors.Entity) string {
	counts := CategoryCounts(entities)
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, label+"="+strconv.Itoa(counts[label]))
	}
	return strings.Join(parts, ", ")
}
