package rules

import (
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultRules is the policy installed into an empty rule store.
func DefaultRules() []*domain.FraudRule {
	return []*domain.FraudRule{
		{
			ID:          "shared_device",
			Name:        "Shared device",
			Description: "A device used by more accounts than allowed.",
			Category:    domain.CategoryDevice,
			IsActive:    true,
			Severity:    domain.SeverityMedium,
			Conditions:  domain.DeviceConditions{MaxAccountsPerDevice: 3, RejectBlacklisted: true},
			Actions:     domain.RuleActions{FlagForReview: true, RequireVerification: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 2.0, ConfidenceThreshold: 0.7},
		},
		{
			ID:          "shared_payment_method",
			Name:        "Shared payment method",
			Description: "A card used by more than one account.",
			Category:    domain.CategoryPayment,
			IsActive:    true,
			Severity:    domain.SeverityHigh,
			Conditions:  domain.PaymentConditions{MaxAccountsPerPaymentMethod: 1},
			Actions:     domain.RuleActions{FlagForReview: true, SendAlert: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 3.0, ConfidenceThreshold: 0.7},
		},
		{
			ID:          "failed_payment_burst",
			Name:        "Failed payment burst",
			Description: "Repeated failed or declined attempts on one card within an hour.",
			Category:    domain.CategoryPayment,
			IsActive:    true,
			Severity:    domain.SeverityHigh,
			Conditions:  domain.PaymentConditions{MaxFailedPaymentsPerHour: 3},
			Actions:     domain.RuleActions{FlagForReview: true, LimitTransactions: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 3.5, ConfidenceThreshold: 0.7},
		},
		{
			ID:          "blacklisted_instrument",
			Name:        "Blacklisted payment method",
			Description: "The card has been blacklisted by an operator.",
			Category:    domain.CategoryPayment,
			IsActive:    true,
			Severity:    domain.SeverityCritical,
			Conditions:  domain.PaymentConditions{RejectBlacklisted: true},
			Actions:     domain.RuleActions{BlockUser: true, SendAlert: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 10.0, ConfidenceThreshold: 0.9},
		},
		{
			ID:          "disposable_email",
			Name:        "Disposable email",
			Description: "The account email belongs to a throwaway mailbox provider.",
			Category:    domain.CategoryAccount,
			IsActive:    true,
			Severity:    domain.SeverityMedium,
			Conditions:  domain.AccountConditions{CheckDisposableEmail: true},
			Actions:     domain.RuleActions{FlagForReview: true, BlockBonuses: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 2.5, ConfidenceThreshold: 0.9},
		},
		{
			ID:          "ip_account_farm",
			Name:        "Accounts per IP",
			Description: "Many accounts created or used from one IP address.",
			Category:    domain.CategoryAccount,
			IsActive:    true,
			Severity:    domain.SeverityMedium,
			Conditions:  domain.AccountConditions{MaxAccountsPerIP: 5},
			Actions:     domain.RuleActions{FlagForReview: true, BlockBonuses: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 2.0, ConfidenceThreshold: 0.6},
		},
		{
			ID:          "new_account_high_value",
			Name:        "New account, high value",
			Description: "A large transaction from an account younger than a day.",
			Category:    domain.CategoryBehavior,
			IsActive:    true,
			Severity:    domain.SeverityHigh,
			Conditions: domain.BehaviorConditions{
				MinAccountAgeHours:   24,
				MaxTransactionAmount: decimal.NewFromInt(500),
			},
			Actions: domain.RuleActions{FlagForReview: true, RequireVerification: true},
			Weights: domain.RuleWeights{RiskMultiplier: 3.0, ConfidenceThreshold: 0.7},
		},
		{
			ID:          "transaction_velocity",
			Name:        "Transaction velocity",
			Description: "Too many attempts on one card or device in a short window.",
			Category:    domain.CategoryVelocity,
			IsActive:    true,
			Severity:    domain.SeverityHigh,
			Conditions:  domain.VelocityConditions{MaxTransactionsPerHour: 5, MaxTransactionsPerDay: 20},
			Actions:     domain.RuleActions{FlagForReview: true, LimitTransactions: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 3.0, ConfidenceThreshold: 0.6},
		},
		{
			ID:          "anonymizing_network",
			Name:        "Anonymizing network",
			Description: "The request came through a VPN, proxy or Tor.",
			Category:    domain.CategoryGeographic,
			IsActive:    true,
			Severity:    domain.SeverityLow,
			Conditions:  domain.GeographicConditions{FlagVPN: true, FlagProxy: true, FlagTor: true},
			Actions:     domain.RuleActions{SendAlert: true},
			Weights:     domain.RuleWeights{RiskMultiplier: 1.5, ConfidenceThreshold: 0.7},
		},
	}
}
