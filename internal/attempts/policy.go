package attempts

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/jobs"
)

// DefaultPolicyPath is the default location of the attempt policy file.
const DefaultPolicyPath = ".genrelay.yaml"

// PolicyPathEnvVar is the environment variable naming a custom policy path.
const PolicyPathEnvVar = "GENRELAY_POLICY_PATH"

// ExhaustionPolicy decides what happens when every attempt was rejected.
type ExhaustionPolicy string

// Exhaustion policies.
const (
	// ExhaustionFail records the variant as failed.
	ExhaustionFail ExhaustionPolicy = "fail"
	// ExhaustionAcceptDegraded accepts the best rejected candidate with degraded=true.
	ExhaustionAcceptDegraded ExhaustionPolicy = "accept_degraded"
)

// IsValid reports whether p is a known policy.
func (p ExhaustionPolicy) IsValid() bool {
	return p == ExhaustionFail || p == ExhaustionAcceptDegraded
}

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid attempt policy")

// Strength is the escalation schedule: attempt n uses min(Base + Step*(n-1), Max).
type Strength struct {
	Base float64 `yaml:"base"`
	Step float64 `yaml:"step"`
	Max  float64 `yaml:"max"`
}

// Thresholds gate acceptance.
type Thresholds struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	DefaultView float64               `yaml:"default_view"`
	View        map[jobs.View]float64 `yaml:"view"`
	Similarity  float64               `yaml:"similarity"`
}

// Policy configures the attempt controller.
type Policy struct {
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	MaxAttempts int        `yaml:"max_attempts"`
	Strength    Strength   `yaml:"strength"`
	Thresholds  Thresholds `yaml:"thresholds"`
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	NegativeConstraints []string `yaml:"negative_constraints"`
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ViewOffsets map[jobs.View]int64 `yaml:"view_offsets"`
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Exhaustion ExhaustionPolicy `yaml:"exhaustion_policy"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		Strength:    Strength{Base: 0.55, Step: 0.15, Max: 0.95},
		Thresholds: Thresholds{
			DefaultView: 0.8,
			View: map[jobs.View]float64{
				jobs.ViewTop:          0.75,
				jobs.ViewThreeQuarter: 0.75,
			},
			Similarity: 0.7,
		},
		NegativeConstraints: []string{
			"different color palette",
			"different materials",
			"missing or extra parts",
			"wrong camera angle",
		},
		ViewOffsets: map[jobs.View]int64{
			jobs.ViewFront:        0,
			jobs.ViewSide:         1009,
			jobs.ViewBack:         2003,
			jobs.ViewTop:          3001,
			jobs.ViewThreeQuarter: 4001,
		},
		Exhaustion: ExhaustionFail,
	}
}

// ViewThreshold returns the confidence threshold for view.
func (p *Policy) ViewThreshold(view jobs.View) float64 {
	if t, ok := p.Thresholds.View[view]; ok {
		return t
	}

	return p.Thresholds.DefaultView
}

// StrengthFor returns the strength of attempt n (1-based).
func (p *Policy) StrengthFor(n int) float64 {
	s := p.Strength.Base + p.Strength.Step*float64(n-1)
	if s > p.Strength.Max {
		return p.Strength.Max
	}

	return s
}

// Validate checks ranges and enums.
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidPolicy)
	}

	if p.Strength.Base < 0 || p.Strength.Step < 0 || p.Strength.Max < p.Strength.Base || p.Strength.Max > 1 {
		return fmt.Errorf("%w: strength must satisfy 0 <= base <= max <= 1 and step >= 0", ErrInvalidPolicy)
	}

	if !inUnit(p.Thresholds.DefaultView) || !inUnit(p.Thresholds.Similarity) {
		return fmt.Errorf("%w: thresholds must be within [0, 1]", ErrInvalidPolicy)
	}

	for view, t := range p.Thresholds.View {
		if !view.IsValid() || !inUnit(t) {
			return fmt.Errorf("%w: bad threshold for view %q", ErrInvalidPolicy, view)
		}
	}

	for view, offset := range p.ViewOffsets {
		if !view.IsValid() || offset < 0 {
			return fmt.Errorf("%w: bad offset for view %q", ErrInvalidPolicy, view)
		}
	}

	if !p.Exhaustion.IsValid() {
		return fmt.Errorf("%w: exhaustion_policy %q", ErrInvalidPolicy, p.Exhaustion)
	}

	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// LoadPolicy loads the policy file at path on top of DefaultPolicy.
//
// A missing, unreadable, malformed or invalid file is not an error: the controller keeps
// working on defaults and a warning is logged.
func LoadPolicy(path string) *Policy {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Policy file not found, using default attempt policy", slog.String("path", path))
		} else {
			slog.Warn("Failed to read policy file, using default attempt policy",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}

		return DefaultPolicy()
	}

	policy := DefaultPolicy()

	if len(data) == 0 {
		return policy
	}

	if err := yaml.Unmarshal(data, policy); err != nil {
		slog.Warn("Failed to parse policy file, using default attempt policy",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultPolicy()
	}

	if err := policy.Validate(); err != nil {
		slog.Warn("Invalid policy file, using default attempt policy",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultPolicy()
	}

	return policy
}

// LoadPolicyFromEnv loads the policy from GENRELAY_POLICY_PATH, falling back to
// .genrelay.yaml in the working directory.
func LoadPolicyFromEnv() *Policy {
	return LoadPolicy(config.GetEnvStr(PolicyPathEnvVar, DefaultPolicyPath))
}
