package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxModelResponseSize bounds how much of a model server response is read
const maxModelResponseSize = 10 * 1024 * 1024

// ModelDetector implements Detector by calling a remote token-classification server
type ModelDetector struct {
	baseURL string
	client  *http.Client
}

func NewModelDetector(baseURL string) *ModelDetector {
	return &ModelDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// GetName returns the name of this detector
func (m *ModelDetector) GetName() string {
	return DetectorNameModel
}

// Detect posts the text to <baseURL>/detect and normalizes the returned predictions
func (m *ModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	jsonData, err := json.Marshal(DetectorInput{Text: input.Text})
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/detect", bytes.NewBuffer(jsonData))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("model server request failed: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxModelResponseSize))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to read model server response: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		return DetectorOutput{}, fmt.Errorf("model server returned status %d", response.StatusCode)
	}

	predictions, err := decodePredictions(body)
	if err != nil {
		return DetectorOutput{}, err
	}

	entities, err := NormalizePredictions(input.Text, predictions)
	if err != nil {
		return DetectorOutput{}, err
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// decodePredictions accepts either a bare prediction array (pipeline output)
// or an object wrapping it under "entities"
func decodePredictions(body []byte) ([]Prediction, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty model server response", ErrMalformedPrediction)
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	if trimmed[0] == '[' {
		var predictions []Prediction
		if err := decoder.Decode(&predictions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPrediction, err)
		}
		return predictions, nil
	}

	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a prediction array or object, got %.32s", ErrMalformedPrediction, trimmed)
	}

	// A missing or null "entities" field is an error payload, never "no PII"
	var wrapped struct {
		Entities *[]Prediction `json:"entities"`
	}
	if err := decoder.Decode(&wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPrediction, err)
	}
	if wrapped.Entities == nil {
		return nil, fmt.Errorf("%w: response has no \"entities\" array", ErrMalformedPrediction)
	}
	return *wrapped.Entities, nil
}

// Close implements the Detector interface
func (m *ModelDetector) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
