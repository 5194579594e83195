package domain

import "time"

// PatternType names the kind of cross-account abuse a detection found.
type PatternType string

const (
	PatternVelocity    PatternType = "velocity"
	PatternMultiUser   PatternType = "multi_user"
	PatternGeographic  PatternType = "geographic"
	PatternBehavioral  PatternType = "behavioral"
	PatternCardTesting PatternType = "card_testing"
)

// CardRiskPattern is one detection emitted by the pattern detector.
type CardRiskPattern struct {
	ID             string      `json:"id"`
	PatternType    PatternType `json:"patternType"`
	Severity       Severity    `json:"severity"`
	Description    string      `json:"description"`
	DetectedAt     time.Time   `json:"detectedAt"`
	FingerprintIDs []string    `json:"fingerprintIds"`
	UserIDs        []string    `json:"userIds"`
	Confidence     float64     `json:"confidence"`
}
