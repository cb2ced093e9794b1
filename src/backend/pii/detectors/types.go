package pii

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text string `json:"text"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected PII span.
// Start and End are half-open character (rune) offsets into the source text.
type Entity struct {
	EntityGroup string  `json:"entity_group"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
}

// Prediction is a single raw prediction as returned by a model server.
// Keys vary between pipelines, so it stays untyped until NormalizePrediction.
type Prediction map[string]interface{}
