package signup

import (
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
)

// Rules are the admission quotas applied by the Service.
type Rules struct {
	SignupIP    ratelimit.Rule
	SignupEmail ratelimit.Rule
	ResendIP    ratelimit.Rule
	ResendEmail ratelimit.Rule
	DraftIP     ratelimit.Rule
	// ReferralIP caps referral credits per IP; it is enforced by the referral guard.
	ReferralIP ratelimit.Rule
}

// DefaultRules returns the production quotas.
func DefaultRules() Rules {
	return Rules{
		SignupIP:    ratelimit.Rule{Name: "signup_ip", Scope: ratelimit.ScopeIP, Window: time.Hour, Limit: 20},
		SignupEmail: ratelimit.Rule{Name: "signup_email", Scope: ratelimit.ScopeEmail, Window: 30 * time.Minute, Limit: 5},
		ResendIP:    ratelimit.Rule{Name: "resend_ip", Scope: ratelimit.ScopeIP, Window: time.Hour, Limit: 10},
		ResendEmail: ratelimit.Rule{Name: "resend_email", Scope: ratelimit.ScopeEmail, Window: 30 * time.Minute, Limit: 3},
		DraftIP:     ratelimit.Rule{Name: "draft_ip", Scope: ratelimit.ScopeIP, Window: time.Hour, Limit: 30},
		ReferralIP:  ratelimit.Rule{Name: "referral_ip", Scope: ratelimit.ScopeIP, Window: 24 * time.Hour, Limit: 10},
	}
}

// All lists every rule for validation and config dumps.
func (r Rules) All() []ratelimit.Rule {
	return []ratelimit.Rule{r.SignupIP, r.SignupEmail, r.ResendIP, r.ResendEmail, r.DraftIP, r.ReferralIP}
}

// Validate checks every rule.
func (r Rules) Validate() error {
	for _, rule := range r.All() {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
