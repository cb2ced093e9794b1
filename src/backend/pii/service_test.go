package pii

import (
	"context"
	"errors"
	"sync"
	"testing"

	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
)

// mockDetector implements detectors.Detector for testing
type mockDetector struct {
	mu     sync.Mutex
	output detectors.DetectorOutput
	err    error
	calls  int
	inputs []string
	closed bool
}

func (m *mockDetector) Detect(ctx context.Context, input detectors.DetectorInput) (detectors.DetectorOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.inputs = append(m.inputs, input.Text)
	if m.err != nil {
		return detectors.DetectorOutput{}, m.err
	}
	out := m.output
	out.Text = input.Text
	return out, nil
}

func (m *mockDetector) GetName() string {
	return "mock_detector"
}

func (m *mockDetector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDetector) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockDetector) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockProvider hands out a fixed detector or error
type mockProvider struct {
	detector detectors.Detector
	err      error
}

func (p *mockProvider) AcquireDetector() (detectors.Detector, func(), error) {
	return p.detector, func() {}, p.err
}

type testLogging struct{}

func (testLogging) GetLogPIIChanges() bool { return true }
func (testLogging) GetLogVerbose() bool    { return true }

func newTestService(detector *mockDetector) *Service {
	return NewService(NewModelManagerWithDetector(detector), testLogging{})
}

const exampleText = "Contact me at 0777 444 9999 or email test.user@test.com"

func exampleEntities() []detectors.Entity {
	return []detectors.Entity{
		{EntityGroup: "PHONE_NUM", Score: 0.99, Word: "0777 444 9999", Start: 14, End: 27},
		{EntityGroup: "EMAIL", Score: 0.98, Word: "test.user@test.com", Start: 37, End: 55},
	}
}

func TestService_Detect(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{Entities: exampleEntities()}}
	service := newTestService(detector)

	result, err := service.Detect(context.Background(), exampleText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != exampleText {
		t.Errorf("Expected text to be returned unchanged, got %q", result.Text)
	}
	if len(result.Entities) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(result.Entities))
	}
	if result.Entities[0].EntityGroup != "PHONE_NUM" || result.Entities[1].EntityGroup != "EMAIL" {
		t.Errorf("Expected source order to be preserved, got %+v", result.Entities)
	}
	if detector.callCount() != 1 {
		t.Errorf("Expected exactly 1 detector call, got %d", detector.callCount())
	}
}

func TestService_DetectPreservesSourceOrder(t *testing.T) {
	// Deliberately not sorted by offset
	entities := []detectors.Entity{
		{EntityGroup: "EMAIL", Start: 37, End: 55},
		{EntityGroup: "PHONE_NUM", Start: 14, End: 27},
	}
	service := newTestService(&mockDetector{output: detectors.DetectorOutput{Entities: entities}})

	for i := 0; i < 3; i++ {
		result, err := service.Detect(context.Background(), exampleText)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Entities[0].EntityGroup != "EMAIL" || result.Entities[1].EntityGroup != "PHONE_NUM" {
			t.Fatalf("call %d: expected detector order, got %+v", i, result.Entities)
		}
	}
}

func TestService_DetectNoEntities(t *testing.T) {
	service := newTestService(&mockDetector{})

	result, err := service.Detect(context.Background(), "Hello, how are you today?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Entities == nil || len(result.Entities) != 0 {
		t.Errorf("Expected empty non-nil entity list, got %#v", result.Entities)
	}
}

func TestService_Mask(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{Entities: exampleEntities()}}
	service := newTestService(detector)

	result, err := service.Mask(context.Background(), exampleText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OriginalText != exampleText {
		t.Errorf("Expected original text to be preserved, got %q", result.OriginalText)
	}
	if result.MaskedText != "Contact me at [PHONE_NUM] or email [EMAIL]" {
		t.Errorf("Unexpected masked text %q", result.MaskedText)
	}
	if detector.callCount() != 1 {
		t.Errorf("Expected exactly 1 detector call, got %d", detector.callCount())
	}
}

func TestService_MaskNoEntitiesIsIdentity(t *testing.T) {
	texts := []string{
		"Hello, how are you today?",
		"  leading and trailing  ",
		"unicode ✓ text ñ",
	}
	service := newTestService(&mockDetector{})

	for _, text := range texts {
		result, err := service.Mask(context.Background(), text)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", text, err)
		}
		if result.MaskedText != text {
			t.Errorf("Expected %q unchanged, got %q", text, result.MaskedText)
		}
	}
}

func TestService_ValidationError(t *testing.T) {
	blanks := []string{"", "  ", "\t\n", " \r\n "}

	for _, text := range blanks {
		detector := &mockDetector{err: errors.New("must not be called")}
		service := newTestService(detector)

		_, detectErr := service.Detect(context.Background(), text)
		_, maskErr := service.Mask(context.Background(), text)

		for _, err := range []error{detectErr, maskErr} {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("text %q: expected validation error, got %v", text, err)
			}
			if errors.Is(err, ErrInference) {
				t.Errorf("text %q: validation error must not be an inference error", text)
			}
			var svcErr *Error
			if errors.As(err, &svcErr) && svcErr.Message != EmptyInputMessage {
				t.Errorf("Expected message %q, got %q", EmptyInputMessage, svcErr.Message)
			}
			if KindOf(err).StatusCode() != 400 {
				t.Errorf("Expected client error status, got %d", KindOf(err).StatusCode())
			}
		}

		if detector.callCount() != 0 {
			t.Errorf("text %q: detector must not be called, got %d calls", text, detector.callCount())
		}
	}
}

func TestService_ValidationBeforeReadiness(t *testing.T) {
	service := NewService(&mockProvider{err: newNotReadyError(errors.New("loading"))}, nil)

	if _, err := service.Detect(context.Background(), " "); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error before readiness check, got %v", err)
	}
}

func TestService_InferenceError(t *testing.T) {
	detector := &mockDetector{err: errors.New("session run failed")}
	service := newTestService(detector)

	_, detectErr := service.Detect(context.Background(), exampleText)
	_, maskErr := service.Mask(context.Background(), exampleText)

	for _, err := range []error{detectErr, maskErr} {
		if !errors.Is(err, ErrInference) {
			t.Errorf("Expected inference error, got %v", err)
		}
		if KindOf(err).StatusCode() != 500 {
			t.Errorf("Expected 500, got %d", KindOf(err).StatusCode())
		}
	}
	if detector.callCount() != 2 {
		t.Errorf("Expected one detector call per operation, got %d", detector.callCount())
	}
}

func TestService_MalformedSpanIsInferenceError(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{
		Entities: []detectors.Entity{{EntityGroup: "EMAIL", Start: 5, End: 500}},
	}}
	service := newTestService(detector)

	_, err := service.Mask(context.Background(), "short text")
	if !errors.Is(err, ErrInference) {
		t.Errorf("Expected inference error, got %v", err)
	}
	if !errors.Is(err, detectors.ErrMalformedPrediction) {
		t.Errorf("Expected cause to be ErrMalformedPrediction, got %v", err)
	}
}

func TestService_NotReady(t *testing.T) {
	manager := NewModelManager("missing", func() (detectors.Detector, error) {
		return nil, errors.New("model files not found")
	})
	service := NewService(manager, nil)

	_, detectErr := service.Detect(context.Background(), exampleText)
	_, maskErr := service.Mask(context.Background(), exampleText)

	for _, err := range []error{detectErr, maskErr} {
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("Expected not ready error, got %v", err)
		}
		if KindOf(err).StatusCode() != 503 {
			t.Errorf("Expected 503, got %d", KindOf(err).StatusCode())
		}
	}
}

func TestService_PlainProviderErrorIsNotReady(t *testing.T) {
	service := NewService(&mockProvider{err: errors.New("no detector")}, nil)

	if _, err := service.Detect(context.Background(), exampleText); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected not ready error, got %v", err)
	}
}

func TestService_PassesUnstrippedText(t *testing.T) {
	detector := &mockDetector{}
	service := newTestService(detector)

	text := "  padded text  "
	if _, err := service.Detect(context.Background(), text); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detector.inputs) != 1 || detector.inputs[0] != text {
		t.Errorf("Expected detector to receive %q, got %q", text, detector.inputs)
	}
}

func TestService_Concurrent(t *testing.T) {
	detector := &mockDetector{output: detectors.DetectorOutput{Entities: exampleEntities()}}
	service := newTestService(detector)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Mask(context.Background(), exampleText); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if detector.callCount() != 20 {
		t.Errorf("Expected 20 detector calls, got %d", detector.callCount())
	}
}

func TestCategoryCounts(t *testing.T) {
	counts := CategoryCounts([]detectors.Entity{
		{EntityGroup: "EMAIL"}, {EntityGroup: "EMAIL"}, {EntityGroup: "PHONE_NUM"},
	})
	if counts["EMAIL"] != 2 || counts["PHONE_NUM"] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
	if summary := summarizeCategories([]detectors.Entity{
		{EntityGroup: "PHONE_NUM"}, {EntityGroup: "EMAIL"},
	}); summary != "EMAIL=1, PHONE_NUM=1" {
		t.Errorf("Unexpected summary %q", summary)
	}
}
