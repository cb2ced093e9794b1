package pii

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/daulet/tokenizers"
	onnxruntime "github.com/yalue/onnxruntime_go"
)

const (
	// maxSeqLen matches max_position_embeddings of the exported model
	maxSeqLen = 512
	// windowOverlap is the number of tokens shared by neighbouring windows of a long input
	windowOverlap = 128

	defaultOutputName = "logits"
	outsideLabel      = "O"
)

// ONNXConfig holds paths and tuning for the local ONNX token classifier
type ONNXConfig struct {
	ModelPath     string
	TokenizerPath string
	// LabelMapPath points at a JSON file with an id2label mapping, either at the
	// top level (HF config.json) or under "pii". Defaults to label_mappings.json
	// next to the model.
	LabelMapPath string
	OutputName   string
	// Threshold drops words whose first-token probability is below it
	Threshold float64
}

// ONNXModelDetector implements Detector using a local ONNX token-classification model
type ONNXModelDetector struct {
	mu           sync.Mutex
	cfg          ONNXConfig
	tokenizer    *tokenizers.Tokenizer
	session      *onnxruntime.AdvancedSession
	inputTensor  *onnxruntime.Tensor[int64]
	maskTensor   *onnxruntime.Tensor[int64]
	outputTensor *onnxruntime.Tensor[float32]
	id2label     map[int]string
	numLabels    int
	closed       bool
}

// tokenPrediction is the classified form of a single model token
type tokenPrediction struct {
	label   string
	score   float64
	start   int // byte offset
	end     int // byte offset
	special bool
}

// safeUintToInt safely converts a uint to int with bounds checking
// Returns maxInt if the value would overflow
func safeUintToInt(val uint) int {
	const maxInt = int(^uint(0) >> 1)
	if val <= uint(maxInt) {
		// #nosec G115 - Safe conversion with bounds checking
		return int(val)
	}
	return maxInt
}

// NewONNXModelDetector loads the tokenizer and label map. The session is created on first use.
func NewONNXModelDetector(cfg ONNXConfig) (*ONNXModelDetector, error) {
	if cfg.OutputName == "" {
		cfg.OutputName = defaultOutputName
	}
	if cfg.LabelMapPath == "" {
		cfg.LabelMapPath = filepath.Join(filepath.Dir(cfg.ModelPath), "label_mappings.json")
	}

	onnxruntime.SetSharedLibraryPath(findSharedLibrary())

	// Initialize ONNX Runtime environment only if not already initialized
	if !onnxruntime.IsInitialized() {
		if err := onnxruntime.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	}

	tk, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	id2label, err := loadLabelMap(cfg.LabelMapPath)
	if err != nil {
		if closeErr := tk.Close(); closeErr != nil {
			log.Printf("[ONNX] Warning: failed to close tokenizer during cleanup: %v", closeErr)
		}
		return nil, err
	}

	numLabels := 0
	for id := range id2label {
		if id >= numLabels {
			numLabels = id + 1
		}
	}
	log.Printf("[ONNX] Loaded %d labels from %s", numLabels, cfg.LabelMapPath)

	return &ONNXModelDetector{
		cfg:       cfg,
		tokenizer: tk,
		id2label:  id2label,
		numLabels: numLabels,
	}, nil
}

// findSharedLibrary resolves the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins over the well-known locations.
func findSharedLibrary() string {
	if path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); path != "" {
		return path
	}

	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"./libonnxruntime.dylib",
			"./build/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		candidates = []string{"./onnxruntime.dll"}
	default:
		candidates = []string{
			"./libonnxruntime.so",
			"./build/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	// Fall back to the first candidate, might work if the library is on the loader path
	return candidates[0]
}

// loadLabelMap reads id2label from either {"id2label": ...} or {"pii": {"id2label": ...}}
func loadLabelMap(path string) (map[int]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read label map: %w", err)
	}

	var raw struct {
		ID2Label map[string]string `json:"id2label"`
		PII      struct {
			ID2Label map[string]string `json:"id2label"`
		} `json:"pii"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label map: %w", err)
	}

	source := raw.ID2Label
	if len(source) == 0 {
		source = raw.PII.ID2Label
	}
	if len(source) == 0 {
		return nil, fmt.Errorf("label map %s has no id2label entries", path)
	}

	id2label := make(map[int]string, len(source))
	for idStr, label := range source {
		id, err := strconv.Atoi(idStr)
		// Skip special labels like "-100" for IGNORE
		if err != nil || id < 0 {
			continue
		}
		id2label[id] = label
	}
	return id2label, nil
}

// GetName returns the name of this detector
func (d *ONNXModelDetector) GetName() string {
	return DetectorNameONNXModel
}

// Detect runs the model and aggregates token labels into word-level entities.
// Calls are serialized because the tensors are shared buffers.
func (d *ONNXModelDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if err := ctx.Err(); err != nil {
		return DetectorOutput{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return DetectorOutput{}, fmt.Errorf("onnx detector is closed")
	}

	if d.session == nil {
		if err := d.initializeSession(); err != nil {
			return DetectorOutput{}, fmt.Errorf("failed to initialize session: %w", err)
		}
	}

	encoding := d.tokenizer.EncodeWithOptions(input.Text, true,
		tokenizers.WithReturnOffsets(),
		tokenizers.WithReturnSpecialTokensMask(),
	)

	numTokens := len(encoding.IDs)
	if len(encoding.Offsets) < numTokens {
		numTokens = len(encoding.Offsets)
	}

	// Special tokens framing the content are repeated around every window
	first, last := 0, numTokens
	for first < last && isSpecialToken(encoding.SpecialTokensMask, first) {
		first++
	}
	for last > first && isSpecialToken(encoding.SpecialTokensMask, last-1) {
		last--
	}
	if first == last {
		return DetectorOutput{Text: input.Text, Entities: []Entity{}}, nil
	}
	windowSize := maxSeqLen - first - (numTokens - last)
	if windowSize <= 0 {
		return DetectorOutput{}, fmt.Errorf("tokenizer added %d special tokens, no room for content", numTokens-(last-first))
	}

	windows := planWindows(last-first, windowSize, windowOverlap)
	if len(windows) > 1 {
		log.Printf("[ONNX] Input of %d tokens split into %d overlapping windows", numTokens, len(windows))
	}

	windowTokens := make([][]tokenPrediction, len(windows))
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return DetectorOutput{}, err
		}
		indices := windowIndices(first, last, numTokens, w)
		tokens, err := d.runWindow(encoding, indices)
		if err != nil {
			return DetectorOutput{}, err
		}
		// Keep only the content part; the framing specials carry no text
		windowTokens[i] = tokens[first : first+w.end-w.start]
	}

	merged := mergeWindowTokens(last-first, windows, windowTokens)
	entities := aggregateFirst(input.Text, merged, d.cfg.Threshold)

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// runWindow feeds the tokens at indices through the model and classifies them
func (d *ONNXModelDetector) runWindow(encoding tokenizers.Encoding, indices []int) ([]tokenPrediction, error) {
	inputIDs := make([]int64, len(indices))
	attentionMask := make([]int64, len(indices))
	offsets := make([]tokenizers.Offset, len(indices))
	specialMask := make([]uint32, len(indices))
	for i, idx := range indices {
		inputIDs[i] = int64(encoding.IDs[idx])
		attentionMask[i] = 1
		offsets[i] = encoding.Offsets[idx]
		if isSpecialToken(encoding.SpecialTokensMask, idx) {
			specialMask[i] = 1
		}
	}
	d.updateInputTensors(inputIDs, attentionMask)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	tokens := d.classifyTokens(d.outputTensor.GetData(), len(indices), offsets, specialMask)
	if len(tokens) != len(indices) {
		return nil, fmt.Errorf("model returned %d token predictions, expected %d", len(tokens), len(indices))
	}
	return tokens, nil
}

func isSpecialToken(mask []uint32, i int) bool {
	return i < len(mask) && mask[i] == 1
}

// tokenWindow is a half-open range of content token positions
type tokenWindow struct {
	start int
	end   int
}

// planWindows covers total content tokens with windows of at most size tokens,
// neighbouring windows sharing overlap tokens. The last window is aligned to the end.
func planWindows(total, size, overlap int) []tokenWindow {
	if total <= size {
		return []tokenWindow{{start: 0, end: total}}
	}
	stride := size - overlap
	if stride <= 0 {
		stride = size
	}

	var windows []tokenWindow
	for start := 0; ; start += stride {
		if start+size >= total {
			windows = append(windows, tokenWindow{start: total - size, end: total})
			return windows
		}
		windows = append(windows, tokenWindow{start: start, end: start + size})
	}
}

// windowIndices maps a content window back to encoding positions, framed by
// the leading [0, first) and trailing [last, numTokens) special tokens
func windowIndices(first, last, numTokens int, w tokenWindow) []int {
	indices := make([]int, 0, first+(w.end-w.start)+(numTokens-last))
	for i := 0; i < first; i++ {
		indices = append(indices, i)
	}
	for i := first + w.start; i < first+w.end; i++ {
		indices = append(indices, i)
	}
	for i := last; i < numTokens; i++ {
		indices = append(indices, i)
	}
	return indices
}

// mergeWindowTokens picks, for every content token, the prediction from the window
// where it sits furthest from a cut. Window edges at the start or end of the
// content are not cuts.
func mergeWindowTokens(total int, windows []tokenWindow, windowTokens [][]tokenPrediction) []tokenPrediction {
	merged := make([]tokenPrediction, total)
	margins := make([]int, total)
	for i := range margins {
		margins[i] = -1
	}

	for wi, w := range windows {
		for pos := w.start; pos < w.end; pos++ {
			margin := total
			if w.start > 0 {
				margin = pos - w.start
			}
			if w.end < total && w.end-1-pos < margin {
				margin = w.end - 1 - pos
			}
			if margin > margins[pos] {
				margins[pos] = margin
				merged[pos] = windowTokens[wi][pos-w.start]
			}
		}
	}
	return merged
}

// classifyTokens applies softmax + argmax to each token's logits
func (d *ONNXModelDetector) classifyTokens(logits []float32, numTokens int, offsets []tokenizers.Offset, specialMask []uint32) []tokenPrediction {
	tokens := make([]tokenPrediction, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		startIdx := i * d.numLabels
		endIdx := (i + 1) * d.numLabels
		if endIdx > len(logits) {
			break
		}

		bestClass, confidence := softmaxArgmax(logits[startIdx:endIdx])
		label, exists := d.id2label[bestClass]
		if !exists {
			label = outsideLabel
		}

		tokens = append(tokens, tokenPrediction{
			label:   label,
			score:   confidence,
			start:   safeUintToInt(offsets[i][0]),
			end:     safeUintToInt(offsets[i][1]),
			special: i < len(specialMask) && specialMask[i] == 1,
		})
	}
	return tokens
}

// softmaxArgmax returns the index of the largest logit and its softmax probability
func softmaxArgmax(logits []float32) (int, float64) {
	if len(logits) == 0 {
		return 0, 0
	}
	best := 0
	maxLogit := float64(logits[0])
	for j, logit := range logits {
		if float64(logit) > maxLogit {
			maxLogit = float64(logit)
			best = j
		}
	}

	var sum float64
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - maxLogit)
	}
	return best, 1 / sum
}

type wordPrediction struct {
	label string
	score float64
	start int
	end   int
}

// aggregateFirst groups tokens into words, labels each word with its first
// token's prediction, then merges consecutive words of the same entity type.
// Offsets in the result are rune offsets into text.
func aggregateFirst(text string, tokens []tokenPrediction, threshold float64) []Entity {
	var words []wordPrediction
	prevEnd := -1
	for _, tok := range tokens {
		if tok.special || tok.start >= tok.end || tok.end > len(text) {
			prevEnd = -1
			continue
		}
		// A token continues the current word only if it is contiguous and does not carry a leading space
		leading, _ := utf8.DecodeRuneInString(text[tok.start:])
		if len(words) > 0 && tok.start == prevEnd && !unicode.IsSpace(leading) {
			words[len(words)-1].end = tok.end
		} else {
			label := tok.label
			if tok.score < threshold {
				label = outsideLabel
			}
			words = append(words, wordPrediction{label: label, score: tok.score, start: tok.start, end: tok.end})
		}
		prevEnd = tok.end
	}

	entities := []Entity{}
	var current *wordPrediction
	var scores []float64
	var runeOffsets []int

	flush := func() {
		if current == nil {
			return
		}
		if runeOffsets == nil {
			runeOffsets = ByteToRuneOffsets(text)
		}
		if entity, ok := buildEntity(text, runeOffsets, current, scores); ok {
			entities = append(entities, entity)
		}
		current = nil
		scores = nil
	}

	for i := range words {
		word := words[i]
		if word.label == outsideLabel {
			flush()
			continue
		}

		isBeginning := strings.HasPrefix(word.label, "B-")
		baseLabel := strings.TrimPrefix(strings.TrimPrefix(word.label, "B-"), "I-")

		if current != nil && !isBeginning && current.label == baseLabel {
			current.end = word.end
			scores = append(scores, word.score)
			continue
		}

		flush()
		current = &wordPrediction{label: baseLabel, start: word.start, end: word.end}
		scores = []float64{word.score}
	}
	flush()

	return entities
}

// buildEntity trims surrounding whitespace from a byte span and converts it to rune offsets
func buildEntity(text string, runeOffsets []int, word *wordPrediction, scores []float64) (Entity, bool) {
	start, end := word.start, word.end
	for start < end && unicode.IsSpace(rune(text[start])) {
		start++
	}
	for end > start && unicode.IsSpace(rune(text[end-1])) {
		end--
	}
	if start >= end {
		return Entity{}, false
	}

	var total float64
	for _, s := range scores {
		total += s
	}

	return Entity{
		EntityGroup: word.label,
		Score:       total / float64(len(scores)),
		Word:        text[start:end],
		Start:       runeOffsets[start],
		End:         runeOffsets[end],
	}, true
}

// initializeSession initializes the ONNX session and tensors
func (d *ONNXModelDetector) initializeSession() error {
	batchSize := int64(1)

	inputShape := onnxruntime.NewShape(batchSize, maxSeqLen)
	inputTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	maskTensor, err := onnxruntime.NewTensor(inputShape, make([]int64, maxSeqLen))
	if err != nil {
		destroyValues(inputTensor)
		return fmt.Errorf("failed to create mask tensor: %w", err)
	}

	outputShape := onnxruntime.NewShape(batchSize, maxSeqLen, int64(d.numLabels))
	outputTensor, err := onnxruntime.NewEmptyTensor[float32](outputShape)
	if err != nil {
		destroyValues(inputTensor, maskTensor)
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := onnxruntime.NewAdvancedSession(d.cfg.ModelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{d.cfg.OutputName},
		[]onnxruntime.Value{inputTensor, maskTensor},
		[]onnxruntime.Value{outputTensor},
		nil)
	if err != nil {
		destroyValues(inputTensor, maskTensor, outputTensor)
		return fmt.Errorf("failed to create session: %w", err)
	}

	d.session = session
	d.inputTensor = inputTensor
	d.maskTensor = maskTensor
	d.outputTensor = outputTensor

	return nil
}

func destroyValues(values ...onnxruntime.Value) {
	for _, v := range values {
		if err := v.Destroy(); err != nil {
			log.Printf("[ONNX] Warning: failed to destroy tensor during cleanup: %v", err)
		}
	}
}

// updateInputTensors copies the new batch into the shared tensors, zero padding the rest
func (d *ONNXModelDetector) updateInputTensors(inputIDs, attentionMask []int64) {
	inputData := d.inputTensor.GetData()
	maskData := d.maskTensor.GetData()

	for i := range inputData {
		inputData[i] = 0
		maskData[i] = 0
	}

	copy(inputData, inputIDs)
	copy(maskData, attentionMask)
}

// Close implements the Detector interface
func (d *ONNXModelDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	var errs []error

	if d.session != nil {
		if err := d.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy session: %w", err))
		}
		d.session = nil
	}
	if d.inputTensor != nil {
		if err := d.inputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy input tensor: %w", err))
		}
		d.inputTensor = nil
	}
	if d.maskTensor != nil {
		if err := d.maskTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy mask tensor: %w", err))
		}
		d.maskTensor = nil
	}
	if d.outputTensor != nil {
		if err := d.outputTensor.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy output tensor: %w", err))
		}
		d.outputTensor = nil
	}
	if d.tokenizer != nil {
		if err := d.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tokenizer: %w", err))
		}
		d.tokenizer = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
