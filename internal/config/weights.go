// Package config provides configuration loading utilities for weight configs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ChrisRoyse/Cognitive-Triangulation-Pipeline-sub007/internal/domain"
)

// Weights holds tunable scoring and consensus weights. Operators may
// override the defaults with a YAML file pointed at by WEIGHTS_CONFIG_PATH.
type Weights struct {
	Factors   FactorWeights  `yaml:"factors"`
	Agents    AgentWeights   `yaml:"agents"`
	Penalties PenaltyFactors `yaml:"penalties"`
}

// FactorWeights are the confidence scorer's factor weights. They are
// normalized to sum to 1 after loading.
type FactorWeights struct {
	Syntax   float64 `yaml:"syntax"`
	Semantic float64 `yaml:"semantic"`
	Context  float64 `yaml:"context"`
	CrossRef float64 `yaml:"cross_ref"`
}

// AgentWeights weight triangulation agent verdicts in the consensus.
type AgentWeights struct {
	Syntactic  float64 `yaml:"syntactic"`
	Semantic   float64 `yaml:"semantic"`
	Contextual float64 `yaml:"contextual"`
}

// PenaltyFactors are multiplicative confidence penalties in (0,1].
type PenaltyFactors struct {
	DynamicImport float64 `yaml:"dynamic_import"`
	IndirectRef   float64 `yaml:"indirect_ref"`
	Ambiguous     float64 `yaml:"ambiguous"`
	Conflict      float64 `yaml:"conflict"`
}

// DefaultWeights returns the stock weight set.
func DefaultWeights() Weights {
	return Weights{
		Factors:   FactorWeights{Syntax: 0.35, Semantic: 0.30, Context: 0.20, CrossRef: 0.15},
		Agents:    AgentWeights{Syntactic: 0.35, Semantic: 0.40, Contextual: 0.25},
		Penalties: PenaltyFactors{DynamicImport: 0.8, IndirectRef: 0.85, Ambiguous: 0.75, Conflict: 0.5},
	}
}

// LoadWeights reads the YAML weights file at path, filling any omitted
// sections with defaults. An empty path returns the defaults unchanged.
func LoadWeights(path string) (Weights, error) {
	w := DefaultWeights()
	if path == "" {
		return w, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Weights{}, fmt.Errorf("op=config.LoadWeights: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return Weights{}, fmt.Errorf("op=config.LoadWeights: %w", err)
	}
	if err := yaml.Unmarshal(content, &w); err != nil {
		return Weights{}, fmt.Errorf("op=config.LoadWeights: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if err := w.validate(); err != nil {
		return Weights{}, err
	}
	w.normalize()
	return w, nil
}

func (w *Weights) validate() error {
	for name, p := range map[string]float64{
		"dynamic_import": w.Penalties.DynamicImport,
		"indirect_ref":   w.Penalties.IndirectRef,
		"ambiguous":      w.Penalties.Ambiguous,
		"conflict":       w.Penalties.Conflict,
	} {
		if p <= 0 || p > 1 {
			return fmt.Errorf("op=config.LoadWeights: penalty %s=%v outside (0,1]: %w", name, p, domain.ErrInvalidArgument)
		}
	}
	if w.Factors.Syntax+w.Factors.Semantic+w.Factors.Context+w.Factors.CrossRef <= 0 {
		return fmt.Errorf("op=config.LoadWeights: factor weights sum to zero: %w", domain.ErrInvalidArgument)
	}
	if w.Agents.Syntactic+w.Agents.Semantic+w.Agents.Contextual <= 0 {
		return fmt.Errorf("op=config.LoadWeights: agent weights sum to zero: %w", domain.ErrInvalidArgument)
	}
	return nil
}

func (w *Weights) normalize() {
	fsum := w.Factors.Syntax + w.Factors.Semantic + w.Factors.Context + w.Factors.CrossRef
	w.Factors.Syntax /= fsum
	w.Factors.Semantic /= fsum
	w.Factors.Context /= fsum
	w.Factors.CrossRef /= fsum
}
