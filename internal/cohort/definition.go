package cohort

import (
	"CohortLedger/internal/event"
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Kind selects how UTXOs are assigned to a cohort.
type Kind string

const (
	KindAll  Kind = "all"
	KindAge  Kind = "age"
	KindType Kind = "type"
)

// Definition describes one cohort. Age cohorts hold UTXOs aged
// [MinDays, MaxDays) days; MaxDays == 0 means unbounded.
type Definition struct {
	ID          string `yaml:"id" validate:"required,max=64,cohort_id"`
	Kind        Kind   `yaml:"kind" validate:"required,oneof=all age type"`
	MinDays     uint64 `yaml:"min_days"`
	MaxDays     uint64 `yaml:"max_days" validate:"omitempty,gtfield=MinDays"`
	OutputType  string `yaml:"output_type" validate:"required_if=Kind type,excluded_unless=Kind type"`
	PriceAware  bool   `yaml:"price_aware"`
	Percentiles bool   `yaml:"percentiles"`
}

// Contains reports whether an age in days falls in an age cohort's bracket.
func (d Definition) Contains(days uint64) bool {
	return days >= d.MinDays && (d.MaxDays == 0 || days < d.MaxDays)
}

// Set is the full list of cohorts tracked by the engine. Order is stable and
// determines cohort indexes.
type Set struct {
	Cohorts []Definition `yaml:"cohorts" validate:"required,min=1,dive"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Ids become NATS subject tokens and Postgres values: [a-z0-9_] only.
	_ = v.RegisterValidation("cohort_id", func(fl validator.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
				return false
			}
		}
		return true
	})
	return v
}

// ageBrackets are the default age cohort boundaries in days.
var ageBrackets = []struct {
	id       string
	min, max uint64
}{
	{"up_to_1d", 0, 1},
	{"1d_to_1w", 1, 7},
	{"1w_to_1m", 7, 30},
	{"1m_to_3m", 30, 90},
	{"3m_to_6m", 90, 180},
	{"6m_to_1y", 180, 365},
	{"1y_to_2y", 365, 730},
	{"2y_to_3y", 730, 1095},
	{"3y_to_5y", 1095, 1825},
	{"5y_to_7y", 1825, 2555},
	{"7y_to_10y", 2555, 3650},
	{"10y_to_15y", 3650, 5475},
	{"from_15y", 5475, 0},
}

// Defaults returns the built-in cohorts: "all", the age brackets and one
// supply-only cohort per output type.
func Defaults() Set {
	set := Set{Cohorts: []Definition{{
		ID:          "all",
		Kind:        KindAll,
		PriceAware:  true,
		Percentiles: true,
	}}}
	for _, b := range ageBrackets {
		set.Cohorts = append(set.Cohorts, Definition{
			ID:         b.id,
			Kind:       KindAge,
			MinDays:    b.min,
			MaxDays:    b.max,
			PriceAware: true,
		})
	}
	for t := event.OutputTypeP2PK; t <= event.OutputTypeOther; t++ {
		set.Cohorts = append(set.Cohorts, Definition{
			ID:         t.String(),
			Kind:       KindType,
			OutputType: t.String(),
		})
	}
	return set
}

// Load reads and validates a YAML cohort file. An empty path yields Defaults.
func Load(path string) (Set, error) {
	if path == "" {
		return Defaults(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read cohort file: %w", err)
	}
	set, err := Parse(raw)
	if err != nil {
		return Set{}, fmt.Errorf("cohort file %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes and validates YAML cohort definitions. Unknown keys are rejected.
func Parse(raw []byte) (Set, error) {
	var set Set
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return Set{}, fmt.Errorf("decode: %w", err)
	}
	if err := set.Validate(); err != nil {
		return Set{}, err
	}
	return set, nil
}

// Validate checks field rules and the rules that span cohorts: unique ids,
// exactly one "all" cohort, age brackets contiguous from 0 with only the last
// unbounded, and at most one cohort per output type.
func (s Set) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("validate cohorts: %w", err)
	}

	ids := make(map[string]bool, len(s.Cohorts))
	types := make(map[event.OutputType]bool)
	var all int
	var ages []Definition
	for _, d := range s.Cohorts {
		if ids[d.ID] {
			return fmt.Errorf("duplicate cohort id %q", d.ID)
		}
		ids[d.ID] = true
		if d.Percentiles && !d.PriceAware {
			return fmt.Errorf("cohort %q: percentiles require price_aware", d.ID)
		}
		switch d.Kind {
		case KindAll:
			all++
		case KindAge:
			ages = append(ages, d)
		case KindType:
			t, err := event.ParseOutputType(d.OutputType)
			if err != nil {
				return fmt.Errorf("cohort %q: %w", d.ID, err)
			}
			if types[t] {
				return fmt.Errorf("cohort %q: output type %s already has a cohort", d.ID, t)
			}
			types[t] = true
		}
	}
	if all != 1 {
		return errors.New("exactly one cohort of kind \"all\" is required")
	}
	return validateBrackets(ages)
}

func validateBrackets(ages []Definition) error {
	if len(ages) == 0 {
		return nil
	}
	sorted := slices.Clone(ages)
	slices.SortFunc(sorted, func(a, b Definition) int {
		switch {
		case a.MinDays < b.MinDays:
			return -1
		case a.MinDays > b.MinDays:
			return 1
		}
		return 0
	})
	if sorted[0].MinDays != 0 {
		return fmt.Errorf("age cohort %q: brackets must start at 0 days", sorted[0].ID)
	}
	for i, d := range sorted {
		last := i == len(sorted)-1
		if d.MaxDays == 0 && !last {
			return fmt.Errorf("age cohort %q: only the last bracket may be unbounded", d.ID)
		}
		if last && d.MaxDays != 0 {
			return fmt.Errorf("age cohort %q: last bracket must be unbounded", d.ID)
		}
		if !last && sorted[i+1].MinDays != d.MaxDays {
			return fmt.Errorf("age cohorts %q and %q are not contiguous", d.ID, sorted[i+1].ID)
		}
	}
	return nil
}
