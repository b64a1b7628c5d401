// Package command turns untrusted command text into a discrete argv that is
// safe to type into the shared terminal.
package command

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/g960059/tmuxgate/internal/config"
	"github.com/g960059/tmuxgate/internal/model"
)

// shellMetacharacters can chain, substitute or redirect once the text reaches
// an interactive shell. "!" triggers history expansion.
const shellMetacharacters = ";&|`$()><!\n\r"

// Validated is an admitted command. The zero value is never admitted; only
// Validator.Validate produces a usable one.
type Validated struct {
	argv          []string
	text          string
	policyVersion string
}

func (v Validated) Argv() []string        { return slices.Clone(v.argv) }
func (v Validated) PolicyVersion() string { return v.policyVersion }
func (v Validated) IsZero() bool          { return len(v.argv) == 0 }

// String is the admitted text exactly as it is typed into the pane: the raw
// input with surrounding spaces trimmed. Argv is only used for policy checks
// and audit.
func (v Validated) String() string { return v.text }

type Validator struct {
	policy    Policy
	maxLength int
}

func NewValidator(policy Policy, maxLength int) *Validator {
	return &Validator{policy: policy, maxLength: maxLength}
}

// FromConfig builds the validator for the configured mode.
func FromConfig(cfg config.CommandConfig) (*Validator, error) {
	switch cfg.Mode {
	case "", "denylist":
		return NewValidator(NewDenylistPolicy(cfg.BlockedCommands), cfg.MaxLength), nil
	case "allowlist":
		if len(cfg.AllowPrefixes) == 0 {
			return nil, fmt.Errorf("allowlist mode requires at least one prefix")
		}
		return NewValidator(NewAllowlistPolicy(cfg.AllowPrefixes), cfg.MaxLength), nil
	default:
		return nil, fmt.Errorf("unknown command policy mode %q", cfg.Mode)
	}
}

func (v *Validator) PolicyVersion() string { return v.policy.Version() }

// Validate checks raw against the common rules and the policy. Rejections
// carry a reason code and never include the command text.
func (v *Validator) Validate(raw string) (Validated, error) {
	if strings.TrimSpace(raw) == "" {
		return Validated{}, rejected(model.ReasonEmpty)
	}
	if v.maxLength > 0 && utf8.RuneCountInString(raw) > v.maxLength {
		return Validated{}, rejected(model.ReasonTooLong)
	}
	if !utf8.ValidString(raw) {
		return Validated{}, rejected(model.ReasonControlCharacter)
	}
	if strings.ContainsAny(raw, shellMetacharacters) {
		return Validated{}, rejected(model.ReasonMetacharacter)
	}
	for _, r := range raw {
		if r == ' ' {
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return Validated{}, rejected(model.ReasonControlCharacter)
		}
	}
	argv := strings.Fields(raw)
	if err := v.policy.Check(argv); err != nil {
		return Validated{}, err
	}
	return Validated{argv: argv, text: strings.TrimSpace(raw), policyVersion: v.policy.Version()}, nil
}

func rejected(reason string) error {
	return model.NewError(model.KindRejectedCommand, reason, nil)
}
