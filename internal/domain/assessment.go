package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the final decision carried by an assessment.
type Recommendation string

const (
	RecommendAllow  Recommendation = "allow"
	RecommendReview Recommendation = "review"
	RecommendBlock  Recommendation = "block"
)

// RequestContext is the caller-supplied view of one user action.
// Every field is optional; rules that need a missing field do not trigger.
type RequestContext struct {
	TransactionID  string          `json:"transactionId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	Email          string          `json:"email,omitempty"`
	IP             string          `json:"ip,omitempty"`
	UserAgent      string          `json:"userAgent,omitempty"`
	AccountCreated *time.Time      `json:"accountCreatedAt,omitempty"`
	Payment        *PaymentSignals `json:"payment,omitempty"`
	Device         *DeviceSignals  `json:"device,omitempty"`

	// AccountAgeHours is the caller's own account age. It wins over AccountCreated.
	AccountAgeHours *float64 `json:"accountAgeHours,omitempty"`
}

// DeviceSignals returns the device bundle with UserAgent filled from the
// top-level field when the bundle omits it. A request with neither yields nil.
func (c *RequestContext) DeviceSignals() *DeviceSignals {
	ua := strings.TrimSpace(c.UserAgent)
	if c.Device == nil {
		if ua == "" {
			return nil
		}
		return &DeviceSignals{UserAgent: ua}
	}
	sig := *c.Device
	if strings.TrimSpace(sig.UserAgent) == "" {
		sig.UserAgent = ua
	}
	return &sig
}

// EmailDomain returns the lower-cased domain part of Email, or "".
func (c *RequestContext) EmailDomain() string {
	at := strings.LastIndex(c.Email, "@")
	if at < 0 || at == len(c.Email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(c.Email[at+1:]))
}

// AccountAge returns the account age at now, and false when neither
// AccountAgeHours nor the creation time is known.
func (c *RequestContext) AccountAge(now time.Time) (time.Duration, bool) {
	if c.AccountAgeHours != nil {
		hours := *c.AccountAgeHours
		if hours < 0 {
			hours = 0
		}
		return time.Duration(hours * float64(time.Hour)), true
	}
	if c.AccountCreated == nil || c.AccountCreated.IsZero() {
		return 0, false
	}
	age := now.Sub(*c.AccountCreated)
	if age < 0 {
		age = 0
	}
	return age, true
}

// FraudAssessment is the immutable result of one Assess call.
type FraudAssessment struct {
	ID                   string           `json:"assessmentId"`
	UserID               string           `json:"userId"`
	OverallRiskScore     float64          `json:"overallRiskScore"`
	Confidence           float64          `json:"confidence"`
	Recommendation       Recommendation   `json:"recommendation"`
	TriggeredRules       []RuleEvaluation `json:"triggeredRules"`
	RiskFactors          []string         `json:"riskFactors"`
	Timestamp            time.Time        `json:"timestamp"`
	TransactionID        string           `json:"transactionId,omitempty"`
	PaymentFingerprintID string           `json:"paymentFingerprintId,omitempty"`
	DeviceFingerprintID  string           `json:"deviceFingerprintId,omitempty"`
	RulesEvaluated       int              `json:"rulesEvaluated"`
	DurationMs           int64            `json:"durationMs"`
}

// TriggeredRuleIDs lists the ids of rules that fired.
func (a *FraudAssessment) TriggeredRuleIDs() []string {
	ids := make([]string, 0, len(a.TriggeredRules))
	for _, r := range a.TriggeredRules {
		ids = append(ids, r.RuleID)
	}
	return ids
}

// ReviewOutcome is the analyst verdict on an assessment.
type ReviewOutcome struct {
	AssessmentID    string    `json:"assessmentId"`
	WasTruePositive bool      `json:"wasTruePositive"`
	Actor           string    `json:"actor"`
	RuleIDs         []string  `json:"ruleIds"`
	ReviewedAt      time.Time `json:"reviewedAt"`
}
