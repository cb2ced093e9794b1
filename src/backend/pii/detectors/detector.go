package pii

import (
	"context"
	"fmt"
	"sync"
)

const (
	DetectorNameModel     = "model_detector"
	DetectorNameRegex     = "regex_detector"
	DetectorNameONNXModel = "onnx_model_detector"
)

// Detector is the inference collaborator: it turns raw text into entities.
// Implementations must be safe for concurrent use.
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var (
	factoriesMu       sync.RWMutex
	detectorFactories = make(map[string]NewDetectorFunc)
)

func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	detectorFactories[name] = factory
}

func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factoriesMu.RLock()
	factory, ok := detectorFactories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

func init() {
	RegisterDetectorFactory(DetectorNameModel, func(config map[string]interface{}) (Detector, error) {
		baseURL, ok := config["base_url"].(string)
		if !ok || baseURL == "" {
			return nil, fmt.Errorf("base_url is required for model detector")
		}
		return NewModelDetector(baseURL), nil
	})

	RegisterDetectorFactory(DetectorNameRegex, func(config map[string]interface{}) (Detector, error) {
		patterns, ok := config["patterns"].(map[string]string)
		if !ok || len(patterns) == 0 {
			patterns = PIIPatterns
		}
		return NewRegexDetector(patterns), nil
	})

	RegisterDetectorFactory(DetectorNameONNXModel, func(config map[string]interface{}) (Detector, error) {
		modelPath, ok := config["model_path"].(string)
		if !ok || modelPath == "" {
			return nil, fmt.Errorf("model_path is required for ONNX model detector")
		}
		tokenizerPath, ok := config["tokenizer_path"].(string)
		if !ok || tokenizerPath == "" {
			return nil, fmt.Errorf("tokenizer_path is required for ONNX model detector")
		}
		labelMapPath, _ := config["label_map_path"].(string)
		threshold, _ := config["threshold"].(float64)
		return NewONNXModelDetector(ONNXConfig{
			ModelPath:     modelPath,
			TokenizerPath: tokenizerPath,
			LabelMapPath:  labelMapPath,
			Threshold:     threshold,
		})
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
