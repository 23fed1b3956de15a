package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GroupSettings is the decoded form of ProtectedGroup.Config. Zero values
// mean "use the engine default".
type GroupSettings struct {
	// WarningKey selects the prompt template shown to restricted users.
	WarningKey string `json:"warning_key,omitempty"`
	// FailClosed overrides the engine-wide leniency policy for this group.
	FailClosed *bool `json:"fail_closed,omitempty"`
	// PositiveTTLSeconds and NegativeTTLSeconds override cache bases.
	PositiveTTLSeconds int `json:"positive_ttl_seconds,omitempty"`
	NegativeTTLSeconds int `json:"negative_ttl_seconds,omitempty"`
}

// ParseGroupSettings decodes a config blob. An empty blob yields defaults.
// Unknown keys are ignored so operators can stash their own metadata.
func ParseGroupSettings(blob string) (GroupSettings, error) {
	var s GroupSettings
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return GroupSettings{}, fmt.Errorf("group settings: %w", err)
	}
	if s.PositiveTTLSeconds < 0 || s.NegativeTTLSeconds < 0 {
		return GroupSettings{}, fmt.Errorf("group settings: ttl overrides must be >= 0")
	}
	return s, nil
}

// Encode renders the settings as a config blob.
func (s GroupSettings) Encode() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// FailClosedOr resolves the fail-closed policy against the engine default.
func (s GroupSettings) FailClosedOr(def bool) bool {
	if s.FailClosed == nil {
		return def
	}
	return *s.FailClosed
}

// TTLBase returns the overridden cache base for the outcome, or zero.
func (s GroupSettings) TTLBase(isMember bool) time.Duration {
	if isMember {
		return time.Duration(s.PositiveTTLSeconds) * time.Second
	}
	return time.Duration(s.NegativeTTLSeconds) * time.Second
}
