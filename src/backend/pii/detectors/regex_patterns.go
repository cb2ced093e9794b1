package pii

// PIIPatterns defines regex patterns for the education PII label set
var PIIPatterns = map[string]string{
	"EMAIL":        `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	"PHONE_NUM":    `(?:\+\d{1,3}[\s.-]?)?\(?\b\d{3,4}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`,
	"URL_PERSONAL": `\bhttps?://[^\s<>"]*[^\s<>".,;:!?)]`,
	"USERNAME":     `\B@[A-Za-z0-9_](?:[A-Za-z0-9_.]*[A-Za-z0-9_])?`,
	"ID_NUM":       `\b[A-Z]{2,3}\d{6,10}\b`,
}
