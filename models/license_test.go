package models

import (
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func TestLicense_Check(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	testCases := []struct {
		name       string
		license    License
		wantValid  bool
		wantReason string
	}{
		{"active perpetual", License{Active: true}, true, ReasonValid},
		{"inactive", License{Active: false}, false, ReasonInactive},
		{"inactive but not expired", License{Active: false, ExpiresAt: &future}, false, ReasonInactive},
		{"expired", License{Active: true, ExpiresAt: &past}, false, ReasonExpired},
		{"expires later", License{Active: true, ExpiresAt: &future}, true, ReasonValid},
		{"usage at cap", License{Active: true, MaxUsage: intPtr(1), UsedCount: 1}, true, ReasonValid},
		{"usage over cap", License{Active: true, MaxUsage: intPtr(1), UsedCount: 2}, false, ReasonUsageExceeded},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			valid, reason := tc.license.Check(now)
			if valid != tc.wantValid {
				t.Errorf("Expected valid=%v, got %v", tc.wantValid, valid)
			}
			if reason != tc.wantReason {
				t.Errorf("Expected reason '%s', got '%s'", tc.wantReason, reason)
			}
		})
	}
}

func TestLicense_HasUsageLeft(t *testing.T) {
	unlimited := License{Active: true}
	if !unlimited.HasUsageLeft() {
		t.Error("Expected unlimited license to have usage left")
	}

	capped := License{Active: true, MaxUsage: intPtr(2), UsedCount: 1}
	if !capped.HasUsageLeft() {
		t.Error("Expected capped license with 1/2 used to have usage left")
	}

	capped.UsedCount = 2
	if capped.HasUsageLeft() {
		t.Error("Expected capped license with 2/2 used to have no usage left")
	}
}

func TestParseTier(t *testing.T) {
	if ParseTier("extended") != TierExtended {
		t.Error("Expected 'extended' to parse as EXTENDED")
	}
	if ParseTier("SINGLE") != TierSingle {
		t.Error("Expected 'SINGLE' to parse as SINGLE")
	}
	if ParseTier("bogus") != TierSingle {
		t.Error("Expected unknown tier to fall back to SINGLE")
	}
}
