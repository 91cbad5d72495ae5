package models

import (
	"strings"
	"time"
)

type LicenseTier string

const (
	TierSingle   LicenseTier = "SINGLE"
	TierExtended LicenseTier = "EXTENDED"
)

func (t LicenseTier) Valid() bool {
	return t == TierSingle || t == TierExtended
}

// ParseTier accepts the tier in any case; unknown values fall back to SINGLE.
func ParseTier(s string) LicenseTier {
	if LicenseTier(strings.ToUpper(strings.TrimSpace(s))) == TierExtended {
		return TierExtended
	}
	return TierSingle
}

const (
	ReasonValid         = "license valid"
	ReasonInactive      = "license not active"
	ReasonExpired       = "license expired"
	ReasonUsageExceeded = "license usage limit reached"
)

type License struct {
	ID         string      `json:"id"`
	Key        string      `json:"key"`
	OrderID    string      `json:"order_id"`
	TemplateID string      `json:"template_id"`
	UserID     *string     `json:"user_id,omitempty"`
	Tier       LicenseTier `json:"tier"`
	Active     bool        `json:"active"`
	MaxUsage   *int        `json:"max_usage,omitempty"`
	UsedCount  int         `json:"used_count"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Check reports whether the license can be used at now and, if not, why.
// An inactive license is never valid, whatever its expiry or usage.
func (l *License) Check(now time.Time) (bool, string) {
	if !l.Active {
		return false, ReasonInactive
	}
	if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
		return false, ReasonExpired
	}
	if l.MaxUsage != nil && l.UsedCount > *l.MaxUsage {
		return false, ReasonUsageExceeded
	}
	return true, ReasonValid
}

func (l *License) IsValid(now time.Time) bool {
	ok, _ := l.Check(now)
	return ok
}

// HasUsageLeft reports whether one more activation fits under the cap.
func (l *License) HasUsageLeft() bool {
	return l.MaxUsage == nil || l.UsedCount < *l.MaxUsage
}

func (l *License) Clone() *License {
	c := *l
	if l.UserID != nil {
		u := *l.UserID
		c.UserID = &u
	}
	if l.MaxUsage != nil {
		m := *l.MaxUsage
		c.MaxUsage = &m
	}
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
