package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// newGuardEnv declares the variables a rule's guard expression may reference.
func newGuardEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("email_domain", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("account_age_hours", cel.DoubleType),
		cel.Variable("payment_users", cel.IntType),
		cel.Variable("payment_risk", cel.IntType),
		cel.Variable("device_users", cel.IntType),
		cel.Variable("device_risk", cel.IntType),
		cel.Variable("device_mobile", cel.BoolType),
		cel.Variable("ip_accounts", cel.IntType),
		cel.Variable("confidence", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileGuard(env *cel.Env, ruleID, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard for rule %s: %w", ruleID, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: guard must return bool, got %s", ruleID, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", ruleID, err)
	}
	return program, nil
}

// guardActivation exposes the request to guard expressions. Unknown values are
// zero, and account_age_hours is -1 when the account creation time is missing.
func guardActivation(in *Input, confidence float64) map[string]any {
	act := map[string]any{
		"user_id":           in.UserID,
		"amount":            in.Request.Amount.InexactFloat64(),
		"currency":          in.Request.Currency,
		"email_domain":      in.Request.EmailDomain(),
		"ip":                in.Request.IP,
		"account_age_hours": -1.0,
		"payment_users":     int64(0),
		"payment_risk":      int64(0),
		"device_users":      int64(0),
		"device_risk":       int64(0),
		"device_mobile":     false,
		"ip_accounts":       int64(in.IPAccounts),
		"confidence":        confidence,
	}
	if age, ok := in.Request.AccountAge(in.Now); ok {
		act["account_age_hours"] = age.Hours()
	}
	if in.Payment != nil {
		act["payment_users"] = int64(in.Payment.UserCount())
		act["payment_risk"] = int64(in.Payment.RiskScore)
	}
	if in.Device != nil {
		act["device_users"] = int64(in.Device.UserCount())
		act["device_risk"] = int64(in.Device.RiskScore)
		act["device_mobile"] = in.Device.Mobile
	}
	return act
}

func evalGuard(program cel.Program, act map[string]any) (bool, error) {
	out, _, err := program.Eval(act)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("guard returned %s, want bool", out.Type())
	}
	return bool(b), nil
}
