package models

import "time"

type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypePDF  MessageType = "pdf"
)

// Classification labels produced by the scam classifier.
const (
	ClassificationLegit      = "Legit"
	ClassificationSuspicious = "Suspicious"
	ClassificationLikelyScam = "Likely Scam"
)

// KnownClassifications lists the labels in reporting order.
var KnownClassifications = []string{
	ClassificationLegit,
	ClassificationSuspicious,
	ClassificationLikelyScam,
}

// AnalysisResult is the outcome of classifying one job posting.
type AnalysisResult struct {
	Classification string   `json:"classification_text"`
	TrustScore     float64  `json:"trust_score"`
	Confidence     float64  `json:"confidence"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Interaction is one message-processing event. ResponseTime is in seconds,
// zero means it was not measured. Error is empty on success.
type Interaction struct {
	Timestamp      time.Time       `json:"timestamp"`
	MessageType    MessageType     `json:"message_type"`
	WasSuccessful  bool            `json:"was_successful"`
	ResponseTime   float64         `json:"response_time"`
	Error          string          `json:"error,omitempty"`
	AnalysisResult *AnalysisResult `json:"analysis_result,omitempty"`
}

func (i Interaction) HasAnalysis() bool {
	return i.AnalysisResult != nil
}

// UserRecord is keyed by phone number. Interactions are ordered by timestamp.
type UserRecord struct {
	PhoneNumber      string        `json:"phone_number"`
	Blocked          bool          `json:"blocked"`
	FirstInteraction time.Time     `json:"first_interaction"`
	LastInteraction  time.Time     `json:"last_interaction"`
	Interactions     []Interaction `json:"interactions"`
}
