package cardmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// CardModel is the configuration of one card model, selected by ATR.
type CardModel struct {
	Name    string `mapstructure:"name" yaml:"name"`
	ATR     string `mapstructure:"atr" yaml:"atr"`
	ATRMask string `mapstructure:"atr_mask" yaml:"atr_mask,omitempty"`

	// ReadOnly defaults to true when unset.
	ReadOnly *bool `mapstructure:"read_only" yaml:"read_only,omitempty"`
	// SupportsEnrollment defaults to false when unset.
	SupportsEnrollment *bool `mapstructure:"supports_enrollment" yaml:"supports_enrollment,omitempty"`
}

// Matches reports whether atr equals the model's ATR under its mask.
// Hex strings may use ':' or spaces as separators.
func (m CardModel) Matches(atr []byte) (bool, error) {
	want, err := parseHex(m.ATR)
	if err != nil {
		return false, fmt.Errorf("card model %q: atr: %w", m.Name, err)
	}
	if len(want) != len(atr) {
		return false, nil
	}
	mask := bytes.Repeat([]byte{0xff}, len(want))
	if m.ATRMask != "" {
		if mask, err = parseHex(m.ATRMask); err != nil {
			return false, fmt.Errorf("card model %q: atr mask: %w", m.Name, err)
		}
		if len(mask) != len(want) {
			return false, fmt.Errorf("card model %q: atr mask length %d, atr length %d", m.Name, len(mask), len(want))
		}
	}
	for i := range atr {
		if atr[i]&mask[i] != want[i]&mask[i] {
			return false, nil
		}
	}
	return true, nil
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(":", "", " ", "").Replace(s)
	return hex.DecodeString(s)
}

// Policy holds the per-model flags that govern persistence.
type Policy struct {
	ReadOnly           bool
	SupportsEnrollment bool
}

// PolicyFor evaluates models against atr. The first matching model
// decides; without one the card is read-only and cannot enroll.
func PolicyFor(atr []byte, models []CardModel) (Policy, error) {
	p := Policy{ReadOnly: true}
	for _, m := range models {
		ok, err := m.Matches(atr)
		if err != nil {
			return p, err
		}
		if !ok {
			continue
		}
		if m.ReadOnly != nil {
			p.ReadOnly = *m.ReadOnly
		}
		if m.SupportsEnrollment != nil {
			p.SupportsEnrollment = *m.SupportsEnrollment
		}
		break
	}
	return p, nil
}

// processPolicy is resolved by the first association in the process and
// kept for its lifetime.
var processPolicy struct {
	mu       sync.Mutex
	resolved bool
	policy   Policy
}

func resolvePolicy(atr []byte, models []CardModel) (Policy, error) {
	processPolicy.mu.Lock()
	defer processPolicy.mu.Unlock()

	if processPolicy.resolved {
		return processPolicy.policy, nil
	}
	p, err := PolicyFor(atr, models)
	if err != nil {
		return p, err
	}
	processPolicy.policy = p
	processPolicy.resolved = true
	return p, nil
}
