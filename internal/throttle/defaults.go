package throttle

import "time"

// Scopes shipped with the service.
const (
	ScopeLogin                 = "login"
	ScopeSignup                = "signup"
	ScopeRegister              = "register"
	ScopeVerificationEmail     = "verification_email"
	ScopePasswordChange        = "password_change"
	ScopePasswordReset         = "password_reset"
	ScopeAPIRegister           = "api_register"
	ScopeAPIResetPassword      = "api_reset_password"
	ScopeAPIChangePassword     = "api_change_password"
	ScopeAPIResendVerification = "api_resend_verification"
)

func DefaultPolicies() []Policy {
	return []Policy{
		{Scope: ScopeLogin, AllowedAttempts: 10, BaseWindow: 5 * time.Minute, MaxLevel: 5, ResetThreshold: 3},
		{Scope: ScopeSignup, AllowedAttempts: 5, BaseWindow: 10 * time.Minute, MaxLevel: 10, ResetThreshold: 3},
		{Scope: ScopeRegister, AllowedAttempts: 5, BaseWindow: 10 * time.Minute, MaxLevel: 10, ResetThreshold: 3},
		{Scope: ScopeVerificationEmail, AllowedAttempts: 3, BaseWindow: 5 * time.Minute, MaxLevel: 5, ResetThreshold: 3},
		{Scope: ScopePasswordChange, AllowedAttempts: 5, BaseWindow: 10 * time.Minute, MaxLevel: 5, ResetThreshold: 3},
		{Scope: ScopePasswordReset, AllowedAttempts: 2, BaseWindow: 5 * time.Minute, MaxLevel: 10, ResetThreshold: 3},
		{Scope: ScopeAPIRegister, AllowedAttempts: 5, BaseWindow: 10 * time.Minute, MaxLevel: 10, ResetThreshold: 3},
		{Scope: ScopeAPIResetPassword, AllowedAttempts: 2, BaseWindow: 5 * time.Minute, MaxLevel: 10, ResetThreshold: 3},
		{Scope: ScopeAPIChangePassword, AllowedAttempts: 5, BaseWindow: 10 * time.Minute, MaxLevel: 5, ResetThreshold: 3},
		{Scope: ScopeAPIResendVerification, AllowedAttempts: 3, BaseWindow: 5 * time.Minute, MaxLevel: 5, ResetThreshold: 3},
	}
}
