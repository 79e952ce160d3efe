// Package mapping validates event→venue market mappings and resolves
// outcome options to venue token ids. Mappings are owned by the
// configuration layer; the hedge core only reads them through here.
package mapping

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/oddsline/hedge-engine/internal/model"
)

var (
	ErrInactive         = errors.New("mapping: mapping inactive")
	ErrInvalidCondition = errors.New("mapping: invalid condition id")
	ErrMissingTokens    = errors.New("mapping: no outcome tokens")
	ErrUnknownOption    = errors.New("mapping: unknown option")
)

// conditionRegex matches the venue's condition ids: 0x-prefixed 64-hex-char
// keccak hashes. Example:
// 0xd24a6a2f83e9e0c9a2c4e9f05a1d6b0b9e4f7c3a8d5b2e1f0c9a8b7d6e5f4a3b
var conditionRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Validate checks that a mapping is usable for hedging: active, a
// well-formed condition id, and at least one outcome token.
func Validate(m *model.MarketMapping) error {
	if m == nil {
		return ErrMissingTokens
	}
	if !m.Active {
		return fmt.Errorf("%w: event %s", ErrInactive, m.EventID)
	}
	if !conditionRegex.MatchString(m.ConditionID) {
		return fmt.Errorf("%w: %q", ErrInvalidCondition, m.ConditionID)
	}
	if len(m.TokenIDs) == 0 {
		return fmt.Errorf("%w: event %s", ErrMissingTokens, m.EventID)
	}
	for option, token := range m.TokenIDs {
		if token == "" {
			return fmt.Errorf("%w: empty token for option %q", ErrMissingTokens, option)
		}
	}
	return nil
}

// ResolveToken returns the venue token id for an outcome option.
func ResolveToken(m *model.MarketMapping, option string) (string, error) {
	token, ok := m.TokenIDs[option]
	if !ok || token == "" {
		return "", fmt.Errorf("%w: %q on event %s", ErrUnknownOption, option, m.EventID)
	}
	return token, nil
}
