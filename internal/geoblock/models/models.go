package models

import (
	"fmt"
	"strings"
)

// GeoResult is what a geolocation provider knows about an IP. State fields are
// passed through exactly as the provider returned them; normalization happens
// in the region package.
type GeoResult struct {
	CountryCode string
	StateCode   *string
	StateName   *string
	City        *string
}

// FraudSignal carries the anonymizer flags from the fraud provider.
type FraudSignal struct {
	IsVPN   bool
	IsProxy bool
	IsTor   bool
}

// Suspicious reports whether any anonymizer flag is set.
func (f FraudSignal) Suspicious() bool {
	return f.IsVPN || f.IsProxy || f.IsTor
}

// FallbackMode decides the verdict when a provider cannot be consulted.
type FallbackMode string

const (
	FallbackAllow FallbackMode = "allow"
	FallbackBlock FallbackMode = "block"
)

// ParseFallbackMode accepts "allow" or "block" in any case.
func ParseFallbackMode(s string) (FallbackMode, error) {
	switch FallbackMode(strings.ToLower(strings.TrimSpace(s))) {
	case FallbackAllow:
		return FallbackAllow, nil
	case FallbackBlock:
		return FallbackBlock, nil
	default:
		return "", fmt.Errorf("invalid fallback mode %q: want allow or block", s)
	}
}

// ReasonCode explains a verdict.
type ReasonCode string

const (
	ReasonDisabled      ReasonCode = "DISABLED"
	ReasonGeoSkipped    ReasonCode = "GEO_SKIPPED"
	ReasonFallbackAllow ReasonCode = "FALLBACK_ALLOW"
	ReasonFallbackBlock ReasonCode = "FALLBACK_BLOCK"
	ReasonRegionBlocked ReasonCode = "REGION_BLOCKED"
	ReasonFraudSkipped  ReasonCode = "FRAUD_SKIPPED"
	ReasonFraudDetected ReasonCode = "FRAUD_DETECTED"
	ReasonClean         ReasonCode = "CLEAN"
)

// Verdict is the terminal value of one evaluation. Detail is operator-facing
// and must not be sent to clients; use PublicMessage for that.
type Verdict struct {
	Allowed bool
	Reason  ReasonCode
	Detail  string
}

const (
	msgRegionDenied     = "Access from your region is not allowed."
	msgVerificationDown = "Access could not be verified. Please try again later."
)

// PublicMessage is the terse client-facing text for a denial. It never names
// the rule or signal that matched.
func (v Verdict) PublicMessage() string {
	if v.Allowed {
		return ""
	}
	if v.Reason == ReasonFallbackBlock {
		return msgVerificationDown
	}
	return msgRegionDenied
}

// Allow builds an allowing verdict.
func Allow(reason ReasonCode, detail string) Verdict {
	return Verdict{Allowed: true, Reason: reason, Detail: detail}
}

// Deny builds a denying verdict.
func Deny(reason ReasonCode, detail string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Detail: detail}
}
