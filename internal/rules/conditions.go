package rules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Base confidences per sub-check. Each limit exceeded by more than one adds
// the step, capped at 1.
const (
	confBlacklisted     = 1.0
	confDeviceSharing   = 0.7
	stepDeviceSharing   = 0.1
	confPaymentSharing  = 0.8
	stepPaymentSharing  = 0.1
	confFailedPayments  = 0.75
	stepFailedPayments  = 0.05
	confDisposableEmail = 0.95
	confIPAccounts      = 0.6
	stepIPAccounts      = 0.1
	confBehaviorFloor   = 0.7
	confVelocityHour    = 0.7
	stepVelocityHour    = 0.05
	confVelocityDay     = 0.6
	stepVelocityDay     = 0.02
	confVPN             = 0.8
	confProxy           = 0.75
	confTor             = 0.95
	confBlockedCountry  = 0.9
)

// finding accumulates what a category check observed. Confidence is the
// strongest triggered sub-check.
type finding struct {
	confidence float64
	evidence   []string
}

func (f *finding) add(confidence float64, format string, args ...any) {
	f.confidence = math.Max(f.confidence, math.Min(confidence, 1))
	f.evidence = append(f.evidence, fmt.Sprintf(format, args...))
}

// excess returns the confidence for a count over limit.
func excess(base, step float64, count, limit int) float64 {
	return base + step*float64(count-limit-1)
}

// check dispatches on the rule's conditions.
func (e *Engine) check(ctx context.Context, conds domain.Conditions, in *Input) (finding, error) {
	var f finding
	var err error

	switch c := conds.(type) {
	case domain.DeviceConditions:
		checkDevice(c, in, &f)
	case domain.PaymentConditions:
		err = e.checkPayment(ctx, c, in, &f)
	case domain.AccountConditions:
		e.checkAccount(c, in, &f)
	case domain.BehaviorConditions:
		checkBehavior(c, in, &f)
	case domain.VelocityConditions:
		err = e.checkVelocity(ctx, c, in, &f)
	case domain.GeographicConditions:
		err = e.checkGeographic(ctx, c, in, &f)
	case nil:
		err = fmt.Errorf("rule has no conditions")
	default:
		err = fmt.Errorf("unsupported conditions %T", conds)
	}
	return f, err
}

func checkDevice(c domain.DeviceConditions, in *Input, f *finding) {
	if in.Device == nil {
		return
	}
	if c.RejectBlacklisted && in.Device.IsBlacklisted {
		f.add(confBlacklisted, "device %s is blacklisted", in.Device.ID)
	}
	if users := in.Device.UserCount(); c.MaxAccountsPerDevice > 0 && users > c.MaxAccountsPerDevice {
		f.add(excess(confDeviceSharing, stepDeviceSharing, users, c.MaxAccountsPerDevice),
			"device used by %d accounts (max %d)", users, c.MaxAccountsPerDevice)
	}
}

func (e *Engine) checkPayment(ctx context.Context, c domain.PaymentConditions, in *Input, f *finding) error {
	if in.Payment == nil {
		return nil
	}
	if c.RejectBlacklisted && in.Payment.IsBlacklisted {
		f.add(confBlacklisted, "payment method %s is blacklisted", in.Payment.ID)
	}

	sharing := in.Payment.Report(domain.KindPayment)
	if c.MaxAccountsPerPaymentMethod > 0 && sharing.UserCount > c.MaxAccountsPerPaymentMethod {
		f.add(excess(confPaymentSharing, stepPaymentSharing, sharing.UserCount, c.MaxAccountsPerPaymentMethod),
			"payment method shared by %d accounts (max %d)", sharing.UserCount, c.MaxAccountsPerPaymentMethod)
	}

	if c.MaxFailedPaymentsPerHour > 0 {
		if e.usage == nil {
			return fmt.Errorf("no usage counter configured")
		}
		failed, err := e.usage.CountFailures(ctx, in.Payment.ID, time.Hour)
		if err != nil {
			return fmt.Errorf("count failed payments: %w", err)
		}
		if failed > c.MaxFailedPaymentsPerHour {
			f.add(excess(confFailedPayments, stepFailedPayments, failed, c.MaxFailedPaymentsPerHour),
				"%d failed payments in the last hour (max %d)", failed, c.MaxFailedPaymentsPerHour)
		}
	}
	return nil
}

func (e *Engine) checkAccount(c domain.AccountConditions, in *Input, f *finding) {
	if c.CheckDisposableEmail {
		if d := in.Request.EmailDomain(); d != "" && e.isDisposable(d, c.DisposableEmailDomains) {
			f.add(confDisposableEmail, "disposable email domain %s", d)
		}
	}
	if c.MaxAccountsPerIP > 0 && in.IPAccounts > c.MaxAccountsPerIP {
		f.add(excess(confIPAccounts, stepIPAccounts, in.IPAccounts, c.MaxAccountsPerIP),
			"%d accounts seen from this IP (max %d)", in.IPAccounts, c.MaxAccountsPerIP)
	}
}

func checkBehavior(c domain.BehaviorConditions, in *Input, f *finding) {
	if c.MinAccountAgeHours <= 0 || !c.MaxTransactionAmount.IsPositive() {
		return
	}
	age, ok := in.Request.AccountAge(in.Now)
	if !ok {
		return
	}
	hours := age.Hours()
	if hours >= c.MinAccountAgeHours || !in.Request.Amount.GreaterThan(c.MaxTransactionAmount) {
		return
	}
	conf := confBehaviorFloor + (1-confBehaviorFloor)*(1-hours/c.MinAccountAgeHours)
	f.add(conf, "account is %.1fh old (min %.0fh) and amount %s exceeds %s",
		hours, c.MinAccountAgeHours, in.Request.Amount.String(), c.MaxTransactionAmount.String())
}

func (e *Engine) checkVelocity(ctx context.Context, c domain.VelocityConditions, in *Input, f *finding) error {
	if c.MaxTransactionsPerHour <= 0 && c.MaxTransactionsPerDay <= 0 {
		return nil
	}
	fps := in.fingerprintIDs()
	if len(fps) == 0 {
		return nil
	}
	if e.usage == nil {
		return fmt.Errorf("no usage counter configured")
	}

	limits := []struct {
		max    int
		window time.Duration
		label  string
		base   float64
		step   float64
	}{
		{c.MaxTransactionsPerHour, time.Hour, "hour", confVelocityHour, stepVelocityHour},
		{c.MaxTransactionsPerDay, 24 * time.Hour, "day", confVelocityDay, stepVelocityDay},
	}
	for _, lim := range limits {
		if lim.max <= 0 {
			continue
		}
		count := 0
		for _, fp := range fps {
			n, err := e.usage.CountRecent(ctx, fp, lim.window)
			if err != nil {
				return fmt.Errorf("count usage: %w", err)
			}
			count = max(count, n)
		}
		if count > lim.max {
			f.add(excess(lim.base, lim.step, count, lim.max),
				"%d transactions in the last %s (max %d)", count, lim.label, lim.max)
		}
	}
	return nil
}

func (e *Engine) checkGeographic(ctx context.Context, c domain.GeographicConditions, in *Input, f *finding) error {
	if in.Request.IP == "" {
		return nil
	}
	if !c.FlagVPN && !c.FlagProxy && !c.FlagTor && len(c.BlockedCountries) == 0 {
		return nil
	}
	if e.geo == nil {
		return fmt.Errorf("no geo-IP provider configured")
	}

	info, err := e.geo.Lookup(ctx, in.Request.IP)
	if err != nil {
		return fmt.Errorf("geo lookup: %w", err)
	}
	if c.FlagVPN && info.IsVPN {
		f.add(confVPN, "request from a VPN address")
	}
	if c.FlagProxy && info.IsProxy {
		f.add(confProxy, "request from a proxy address")
	}
	if c.FlagTor && info.IsTor {
		f.add(confTor, "request from a Tor exit node")
	}
	if info.Country != "" {
		for _, blocked := range c.BlockedCountries {
			if strings.EqualFold(blocked, info.Country) {
				f.add(confBlockedCountry, "request from blocked country %s", strings.ToUpper(info.Country))
				break
			}
		}
	}
	return nil
}

// isDisposable matches domain and its parent domains against the rule's list,
// or the built-in list when the rule has none.
func (e *Engine) isDisposable(domainName string, override []string) bool {
	var set map[string]struct{}
	if len(override) > 0 {
		set = make(map[string]struct{}, len(override))
		for _, d := range override {
			set[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
		}
	} else {
		set = e.disposable
	}

	for d := domainName; d != ""; {
		if _, ok := set[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}
