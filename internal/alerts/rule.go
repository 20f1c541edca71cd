// Package alerts re-evaluates saved screens on a schedule and notifies when
// enough companies match.
package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/algomatic/screener-service/internal/dsl"
)

// DefaultWindow is the evaluation window used when a rule names none.
const DefaultWindow = "default"

// cronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Rule is one saved screen evaluated on a schedule.
type Rule struct {
	ID         string         `yaml:"id" validate:"required,max=64"`
	Name       string         `yaml:"name"`
	Schedule   string         `yaml:"schedule" validate:"required"`
	Window     string         `yaml:"window"`
	MinMatches int            `yaml:"min_matches" validate:"min=0"`
	Disabled   bool           `yaml:"disabled"`
	DSL        map[string]any `yaml:"dsl"`

	// Request is decoded from DSL by LoadRules, or set directly.
	Request dsl.Request `yaml:"-"`
}

// Key identifies the evaluation slot the guard serializes on.
func (r Rule) Key() Key {
	w := r.Window
	if w == "" {
		w = DefaultWindow
	}
	return Key{AlertID: r.ID, Window: w}
}

// Threshold returns the minimum number of matches that triggers the alert.
func (r Rule) Threshold() int {
	if r.MinMatches <= 0 {
		return 1
	}
	return r.MinMatches
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes rules from YAML. Every rule's schedule must parse and
// its DSL must validate, so a bad rule fails at startup rather than on its
// first tick.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}

	for i := range f.Rules {
		r := &f.Rules[i]
		if r.DSL == nil {
			return nil, fmt.Errorf("rules[%d] (%s): missing dsl", i, r.ID)
		}
		raw, err := json.Marshal(r.DSL)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] (%s): encoding dsl: %w", i, r.ID, err)
		}
		req, err := dsl.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] (%s): %w", i, r.ID, err)
		}
		r.Request = req
	}

	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ValidateRules checks struct tags, schedules, DSL and id uniqueness.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if err := validate.Struct(r); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return fmt.Errorf("rules[%d].%s fails %q", i, fe.Field(), fe.Tag())
			}
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true

		if _, err := cronParser.Parse(r.Schedule); err != nil {
			return fmt.Errorf("rules[%d] (%s): invalid schedule %q: %w", i, r.ID, r.Schedule, err)
		}
		if _, err := dsl.Validate(r.Request); err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, r.ID, err)
		}
	}
	return nil
}
