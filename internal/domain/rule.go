package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Category selects which signal family a rule inspects.
type Category string

const (
	CategoryDevice     Category = "device"
	CategoryPayment    Category = "payment"
	CategoryAccount    Category = "account"
	CategoryBehavior   Category = "behavior"
	CategoryVelocity   Category = "velocity"
	CategoryGeographic Category = "geographic"
)

// Severity is shared by rules and detected patterns.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is the per-rule recommendation derived from its actions block.
type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Conditions is the tagged union of category-specific rule parameters.
// Exactly one concrete type exists per Category.
type Conditions interface {
	Category() Category
}

// A zero limit in any of the condition types below disables that check.

type DeviceConditions struct {
	MaxAccountsPerDevice int  `json:"maxAccountsPerDevice,omitempty"`
	RejectBlacklisted    bool `json:"rejectBlacklisted,omitempty"`
}

func (DeviceConditions) Category() Category { return CategoryDevice }

type PaymentConditions struct {
	MaxAccountsPerPaymentMethod int  `json:"maxAccountsPerPaymentMethod,omitempty"`
	MaxFailedPaymentsPerHour    int  `json:"maxFailedPaymentsPerHour,omitempty"`
	RejectBlacklisted           bool `json:"rejectBlacklisted,omitempty"`
}

func (PaymentConditions) Category() Category { return CategoryPayment }

type AccountConditions struct {
	CheckDisposableEmail   bool     `json:"checkDisposableEmail,omitempty"`
	DisposableEmailDomains []string `json:"disposableEmailDomains,omitempty"`
	MaxAccountsPerIP       int      `json:"maxAccountsPerIp,omitempty"`
}

func (AccountConditions) Category() Category { return CategoryAccount }

type BehaviorConditions struct {
	MinAccountAgeHours   float64         `json:"minAccountAgeHours,omitempty"`
	MaxTransactionAmount decimal.Decimal `json:"maxTransactionAmount"`
}

func (BehaviorConditions) Category() Category { return CategoryBehavior }

type VelocityConditions struct {
	MaxTransactionsPerHour int `json:"maxTransactionsPerHour,omitempty"`
	MaxTransactionsPerDay  int `json:"maxTransactionsPerDay,omitempty"`
}

func (VelocityConditions) Category() Category { return CategoryVelocity }

type GeographicConditions struct {
	FlagVPN          bool     `json:"flagVpn,omitempty"`
	FlagProxy        bool     `json:"flagProxy,omitempty"`
	FlagTor          bool     `json:"flagTor,omitempty"`
	BlockedCountries []string `json:"blockedCountries,omitempty"`
}

func (GeographicConditions) Category() Category { return CategoryGeographic }

// RuleActions are independent switches; more than one may be set.
type RuleActions struct {
	BlockUser           bool `json:"blockUser"`
	RequireVerification bool `json:"requireVerification"`
	FlagForReview       bool `json:"flagForReview"`
	LimitTransactions   bool `json:"limitTransactions"`
	BlockBonuses        bool `json:"blockBonuses"`
	SendAlert           bool `json:"sendAlert"`
}

// Recommended reduces the actions to the single per-rule action.
func (a RuleActions) Recommended() Action {
	switch {
	case a.BlockUser:
		return ActionBlock
	case a.FlagForReview:
		return ActionFlag
	default:
		return ActionAllow
	}
}

type RuleWeights struct {
	RiskMultiplier      float64 `json:"riskMultiplier"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
}

// RuleMetadata holds the effectiveness counters. They are eventually consistent.
type RuleMetadata struct {
	TriggerCount       int64      `json:"triggerCount"`
	TruePositiveCount  int64      `json:"truePositiveCount"`
	FalsePositiveCount int64      `json:"falsePositiveCount"`
	Effectiveness      float64    `json:"effectiveness"`
	LastTriggered      *time.Time `json:"lastTriggered,omitempty"`
}

// FraudRule is a stored, admin-managed policy rule.
type FraudRule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Category    Category     `json:"category"`
	IsActive    bool         `json:"isActive"`
	Severity    Severity     `json:"severity"`
	Conditions  Conditions   `json:"conditions"`
	Expression  string       `json:"expression,omitempty"`
	Actions     RuleActions  `json:"actions"`
	Weights     RuleWeights  `json:"weights"`
	Metadata    RuleMetadata `json:"metadata"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// UnmarshalJSON decodes the conditions block according to the rule's category.
func (r *FraudRule) UnmarshalJSON(data []byte) error {
	type alias FraudRule
	aux := struct {
		*alias
		Conditions json.RawMessage `json:"conditions"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	conds, err := DecodeConditions(r.Category, aux.Conditions)
	if err != nil {
		return err
	}
	r.Conditions = conds
	return nil
}

// DecodeConditions parses raw JSON into the concrete Conditions type for cat.
// Empty input yields the zero value of that type.
func DecodeConditions(cat Category, raw json.RawMessage) (Conditions, error) {
	var target Conditions
	switch cat {
	case CategoryDevice:
		target = &DeviceConditions{}
	case CategoryPayment:
		target = &PaymentConditions{}
	case CategoryAccount:
		target = &AccountConditions{}
	case CategoryBehavior:
		target = &BehaviorConditions{}
	case CategoryVelocity:
		target = &VelocityConditions{}
	case CategoryGeographic:
		target = &GeographicConditions{}
	default:
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRule, cat)
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("%w: conditions for %s: %v", ErrInvalidRule, cat, err)
		}
	}

	// Store values, not pointers, so copies of a rule never share conditions.
	switch c := target.(type) {
	case *DeviceConditions:
		return *c, nil
	case *PaymentConditions:
		return *c, nil
	case *AccountConditions:
		return *c, nil
	case *BehaviorConditions:
		return *c, nil
	case *VelocityConditions:
		return *c, nil
	case *GeographicConditions:
		return *c, nil
	}
	return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidRule, cat)
}

// Validate checks the structural invariants an admin write must satisfy.
func (r *FraudRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.Conditions == nil {
		return fmt.Errorf("%w: conditions are required", ErrInvalidRule)
	}
	if r.Conditions.Category() != r.Category {
		return fmt.Errorf("%w: %s conditions on a %s rule", ErrInvalidRule, r.Conditions.Category(), r.Category)
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}
	if r.Weights.RiskMultiplier < 0 {
		return fmt.Errorf("%w: riskMultiplier must be >= 0", ErrInvalidRule)
	}
	if r.Weights.ConfidenceThreshold < 0 || r.Weights.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidenceThreshold must be within [0,1]", ErrInvalidRule)
	}
	return nil
}

// Clone returns a deep copy safe to hand out of the engine.
func (r *FraudRule) Clone() *FraudRule {
	c := *r
	if r.Metadata.LastTriggered != nil {
		t := *r.Metadata.LastTriggered
		c.Metadata.LastTriggered = &t
	}
	switch conds := r.Conditions.(type) {
	case AccountConditions:
		conds.DisposableEmailDomains = append([]string(nil), conds.DisposableEmailDomains...)
		c.Conditions = conds
	case GeographicConditions:
		conds.BlockedCountries = append([]string(nil), conds.BlockedCountries...)
		c.Conditions = conds
	}
	return &c
}

// RuleEvaluation is the outcome of one rule against one request.
type RuleEvaluation struct {
	RuleID            string   `json:"ruleId"`
	RuleName          string   `json:"ruleName"`
	Category          Category `json:"category"`
	Triggered         bool     `json:"triggered"`
	Confidence        float64  `json:"confidence"`
	Evidence          []string `json:"evidence,omitempty"`
	RiskContribution  float64  `json:"riskContribution"`
	RiskMultiplier    float64  `json:"riskMultiplier"`
	RecommendedAction Action   `json:"recommendedAction"`
	Error             string   `json:"error,omitempty"`
}
