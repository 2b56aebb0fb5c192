package vpn

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TwoFactorKind identifies the second factor a token was produced by.
type TwoFactorKind string

const (
	TwoFactorTOTP    TwoFactorKind = "totp"
	TwoFactorYubiKey TwoFactorKind = "yubi"
)

// yubiKeyOTPLength is the length of a YubiKey OTP in modhex.
const yubiKeyOTPLength = 44

// TwoFactor is a one-time token supplied for a single connect attempt.
// It is never persisted and can be consumed exactly once.
type TwoFactor struct {
	Kind  TwoFactorKind
	value string
	used  atomic.Bool
}

// NewTwoFactor validates value for kind and returns a fresh token.
func NewTwoFactor(kind TwoFactorKind, value string) (*TwoFactor, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case TwoFactorTOTP:
		if len(value) != 6 || strings.Trim(value, "0123456789") != "" {
			return nil, fmt.Errorf("%w: TOTP code must be 6 digits", ErrInvalidTwoFactor)
		}
	case TwoFactorYubiKey:
		if len(value) != yubiKeyOTPLength || strings.Trim(value, "cbdefghijklnrtuv") != "" {
			return nil, fmt.Errorf("%w: YubiKey OTP must be %d modhex characters", ErrInvalidTwoFactor, yubiKeyOTPLength)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTwoFactor, kind)
	}
	return &TwoFactor{Kind: kind, value: value}, nil
}

// Consumed reports whether the token has been used by an accepted attempt.
func (t *TwoFactor) Consumed() bool {
	return t.used.Load()
}

// String never includes the secret value.
func (t *TwoFactor) String() string {
	return string(t.Kind) + ":******"
}

func (t *TwoFactor) consume() (*TwoFactorCredential, error) {
	if !t.used.CompareAndSwap(false, true) {
		return nil, ErrTwoFactorConsumed
	}
	return &TwoFactorCredential{Kind: t.Kind, Value: t.value}, nil
}

// release returns the token when the machine rejected the attempt.
func (t *TwoFactor) release() {
	t.used.Store(false)
}

// Decision is the outcome of the two-factor gate.
type Decision int

const (
	// DecisionProceed means the connect attempt may start.
	DecisionProceed Decision = iota
	// DecisionNeedToken means the caller must prompt for a token first.
	DecisionNeedToken
)

func (d Decision) String() string {
	if d == DecisionNeedToken {
		return "need-token"
	}
	return "proceed"
}

// DecideTwoFactor reports whether a connect to profile can proceed with
// token. It has no side effects.
func DecideTwoFactor(profile *Profile, token *TwoFactor) Decision {
	if profile != nil && profile.RequiresTwoFactor && token == nil {
		return DecisionNeedToken
	}
	return DecisionProceed
}

// ConnectResult is the non-error outcome of Manager.Connect.
type ConnectResult int

const (
	// ConnectFailed accompanies a non-nil error.
	ConnectFailed ConnectResult = iota
	// Connected means the tunnel is up and the session is connected.
	Connected
	// TwoFactorRequired means no attempt was made because the profile needs
	// a token.
	TwoFactorRequired
)

func (r ConnectResult) String() string {
	switch r {
	case Connected:
		return "connected"
	case TwoFactorRequired:
		return "two-factor required"
	default:
		return "failed"
	}
}
