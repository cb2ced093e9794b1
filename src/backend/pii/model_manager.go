package pii

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
)

// warmupText is run through every freshly loaded detector before it is swapped in
const warmupText = "Test with John Smith"

// DetectorLoader builds a new detector instance for the configured backend
type DetectorLoader func() (detectors.Detector, error)

// ModelManager manages the detector lifecycle with thread-safe hot reload capability.
// Readiness is explicit state: a request is dispatched only while isHealthy is set.
type ModelManager struct {
	mu              sync.RWMutex
	currentDetector *leasedDetector
	source          string
	loader          DetectorLoader
	isHealthy       bool
	lastError       error
}

// leasedDetector counts the requests still running on a detector so it is
// closed only after they finish
type leasedDetector struct {
	detector detectors.Detector
	inflight sync.WaitGroup
}

// drainAndClose waits for in-flight requests, then closes the detector
func (l *leasedDetector) drainAndClose() error {
	l.inflight.Wait()
	return l.detector.Close()
}

// ModelConfig holds paths to required model files
type ModelConfig struct {
	ModelPath     string
	TokenizerPath string
	LabelMapPath  string
}

// NewModelManager creates a model manager and performs the initial load.
// A failed load does not fail construction; the manager stays not ready.
func NewModelManager(source string, loader DetectorLoader) *ModelManager {
	mm := &ModelManager{
		source: source,
		loader: loader,
	}

	if err := mm.ReloadModel(context.Background()); err != nil {
		log.Printf("[ModelManager] Warning: Failed to load initial model: %v", err)
		log.Printf("[ModelManager] Model manager created but marked as not ready")
	}

	return mm
}

// NewModelManagerWithDetector wraps an already loaded detector
func NewModelManagerWithDetector(detector detectors.Detector) *ModelManager {
	return &ModelManager{
		currentDetector: &leasedDetector{detector: detector},
		source:          detector.GetName(),
		isHealthy:       true,
	}
}

// AcquireDetector returns the current detector and a release func.
// A detector replaced by a reload stays open until every acquired lease is released.
func (mm *ModelManager) AcquireDetector() (detectors.Detector, func(), error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.isHealthy || mm.currentDetector == nil {
		cause := mm.lastError
		if cause == nil {
			cause = fmt.Errorf("no detector available")
		}
		return nil, nil, newNotReadyError(cause)
	}

	lease := mm.currentDetector
	lease.inflight.Add(1)
	return lease.detector, sync.OnceFunc(lease.inflight.Done), nil
}

// ReloadModel loads a new detector, validates it with a warmup inference and swaps it in
func (mm *ModelManager) ReloadModel(ctx context.Context) error {
	if mm.loader == nil {
		return fmt.Errorf("no detector loader configured")
	}

	log.Printf("[ModelManager] Loading detector from: %s", mm.source)

	// Load outside the lock to minimize blocking
	newDetector, err := mm.loader()
	if err != nil {
		mm.markUnhealthy(err)
		log.Printf("[ModelManager] Failed to load model: %v", err)
		return fmt.Errorf("failed to load model: %w", err)
	}

	log.Printf("[ModelManager] Running validation inference")
	if _, err := newDetector.Detect(ctx, detectors.DetectorInput{Text: warmupText}); err != nil {
		if closeErr := newDetector.Close(); closeErr != nil {
			log.Printf("[ModelManager] Warning: failed to close failed detector: %v", closeErr)
		}
		mm.markUnhealthy(err)
		log.Printf("[ModelManager] Model validation inference failed: %v", err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	mm.mu.Lock()
	oldDetector := mm.currentDetector
	mm.currentDetector = &leasedDetector{detector: newDetector}
	mm.isHealthy = true
	mm.lastError = nil
	mm.mu.Unlock()

	log.Printf("[ModelManager] Detector %s is ready", newDetector.GetName())

	// New requests already see the new detector; wait for the old one's requests outside the lock
	if oldDetector != nil {
		log.Printf("[ModelManager] Closing old detector once in-flight requests finish")
		if err := oldDetector.drainAndClose(); err != nil {
			log.Printf("[ModelManager] Warning: failed to close old detector: %v", err)
		}
	}

	return nil
}

func (mm *ModelManager) markUnhealthy(err error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	// Keep serving the previous detector if one is loaded
	if mm.currentDetector == nil {
		mm.isHealthy = false
	}
	mm.lastError = err
}

// IsReady returns whether a detector is loaded and healthy
func (mm *ModelManager) IsReady() bool {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.isHealthy && mm.currentDetector != nil
}

// GetLastError returns the last error encountered (if any)
func (mm *ModelManager) GetLastError() error {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.lastError
}

// GetInfo returns information about the current model state
func (mm *ModelManager) GetInfo() map[string]interface{} {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	info := map[string]interface{}{
		"source":  mm.source,
		"healthy": mm.isHealthy,
	}

	if mm.currentDetector != nil {
		info["detector"] = mm.currentDetector.detector.GetName()
	} else {
		info["detector"] = nil
	}

	if mm.lastError != nil {
		info["error"] = mm.lastError.Error()
	} else {
		info["error"] = nil
	}

	return info
}

// ValidateModelDirectory checks that dir exists and contains the ONNX model files
func ValidateModelDirectory(dir string) (*ModelConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory does not exist: %s", dir)
		}
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir // Fall back to original if abs fails
	}

	// Each required file may exist under one of several names
	required := []struct {
		name       string
		candidates []string
	}{
		{name: "model", candidates: []string{"model.onnx", "model_quantized.onnx"}},
		{name: "tokenizer", candidates: []string{"tokenizer.json"}},
		{name: "label map", candidates: []string{"label_mappings.json", "config.json"}},
	}

	found := make([]string, len(required))
	var missingFiles []string
	for i, req := range required {
		for _, candidate := range req.candidates {
			fullPath := filepath.Join(absDir, candidate)
			if _, err := os.Stat(fullPath); err == nil {
				found[i] = fullPath
				break
			}
		}
		if found[i] == "" {
			missingFiles = append(missingFiles, req.candidates[0])
		}
	}

	if len(missingFiles) > 0 {
		return nil, fmt.Errorf("missing required files in directory: %v", missingFiles)
	}

	log.Printf("[ModelManager] Validated directory: %s", absDir)
	return &ModelConfig{
		ModelPath:     found[0],
		TokenizerPath: found[1],
		LabelMapPath:  found[2],
	}, nil
}

// Close stops handing out the detector, waits for in-flight requests and closes it
func (mm *ModelManager) Close() error {
	mm.mu.Lock()
	mm.isHealthy = false
	current := mm.currentDetector
	mm.currentDetector = nil
	mm.mu.Unlock()

	if current != nil {
		log.Printf("[ModelManager] Closing current detector")
		if err := current.drainAndClose(); err != nil {
			return fmt.Errorf("failed to close detector: %w", err)
		}
	}

	return nil
}
