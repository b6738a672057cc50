// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/sapcc/go-bits/errext"
	"gopkg.in/yaml.v2"
)

// Seed is a declarative description of a provider topology that is applied
// idempotently at startup. It is intended for deployments with a static
// topology that do not want to drive the provider CRUD through an external
// writer.
type Seed struct {
	Providers []SeedProvider `yaml:"providers"`
}

// SeedProvider appears in type Seed.
type SeedProvider struct {
	Name string `yaml:"name"`
	UUID string `yaml:"uuid"`
	// Parent names another provider in the same seed file (which must appear
	// before this one) or an already existing provider.
	Parent      string                   `yaml:"parent"`
	Traits      []string                 `yaml:"traits"`
	Aggregates  []string                 `yaml:"aggregates"`
	Inventories map[string]SeedInventory `yaml:"inventories"`
}

// SeedInventory appears in type SeedProvider. Zero values for MinUnit,
// MaxUnit, StepSize and AllocationRatio select the defaults (1, total, 1 and
// 1.0 respectively).
type SeedInventory struct {
	Total           uint64  `yaml:"total"`
	Reserved        uint64  `yaml:"reserved"`
	MinUnit         uint64  `yaml:"min_unit"`
	MaxUnit         uint64  `yaml:"max_unit"`
	StepSize        uint64  `yaml:"step_size"`
	AllocationRatio float64 `yaml:"allocation_ratio"`
}

// LoadSeed parses and validates the seed file at the given path.
func LoadSeed(path string) (*Seed, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("while reading seed file: %w", err)
	}
	var seed Seed
	err = yaml.UnmarshalStrict(buf, &seed)
	if err != nil {
		return nil, fmt.Errorf("while parsing seed file: %w", err)
	}
	errs := seed.Validate()
	if !errs.IsEmpty() {
		return nil, fmt.Errorf("seed file %s is invalid: %s", path, errs.Join(", "))
	}
	return &seed, nil
}

// Validate checks all naming and consistency rules that can be checked
// without database access.
func (s Seed) Validate() (errs errext.ErrorSet) {
	allNames := make(map[string]bool, len(s.Providers))
	for _, provider := range s.Providers {
		allNames[provider.Name] = true
	}
	namesSeen := make(map[string]bool, len(s.Providers))
	for idx, provider := range s.Providers {
		path := fmt.Sprintf("providers[%d]", idx)
		errs.Append(provider.validate(path, namesSeen, allNames))
		namesSeen[provider.Name] = true
	}
	return errs
}

// validationMessage strips the error kind prefix, which would be redundant
// inside the "invalid value for X: Y" messages that seed validation produces.
func validationMessage(err error) string {
	var ee EngineError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	return err.Error()
}

func (p SeedProvider) validate(path string, namesSeen, allNames map[string]bool) (errs errext.ErrorSet) {
	if err := ValidateProviderName(p.Name); err != nil {
		errs.Addf("invalid value for %s.name: %s", path, validationMessage(err))
	}
	if namesSeen[p.Name] {
		errs.Addf("duplicate provider name in %s: %q", path, p.Name)
	}
	if p.UUID != "" {
		if _, err := ParseUUID("resource provider", p.UUID); err != nil {
			errs.Addf("invalid value for %s.uuid: %s", path, validationMessage(err))
		}
	}
	if p.Parent != "" && allNames[p.Parent] && !namesSeen[p.Parent] {
		// referring to a provider that exists outside of the seed file is
		// legal (it is resolved at apply time), but a forward reference
		// within the file would make the seed application order-dependent
		errs.Addf("%s.parent: %q is not declared earlier in the seed file (parents must precede their children)", path, p.Parent)
	}
	for idx, trait := range p.Traits {
		if err := ValidateSymbolName("trait", trait); err != nil {
			errs.Addf("invalid value for %s.traits[%d]: %s", path, idx, validationMessage(err))
		}
	}
	for idx, aggregate := range p.Aggregates {
		if _, err := ParseUUID("aggregate", aggregate); err != nil {
			errs.Addf("invalid value for %s.aggregates[%d]: %s", path, idx, validationMessage(err))
		}
	}
	for className, inv := range p.Inventories {
		if err := ValidateSymbolName("resource class", className); err != nil {
			errs.Addf("invalid inventory key in %s: %s", path, validationMessage(err))
		}
		if inv.Total == 0 {
			errs.Addf("invalid value for %s.inventories[%s].total: must be positive", path, className)
		}
	}
	return errs
}

// Normalized returns a copy of this inventory with all defaults filled in.
func (i SeedInventory) Normalized() SeedInventory {
	result := i
	if result.MinUnit == 0 {
		result.MinUnit = 1
	}
	if result.MaxUnit == 0 {
		result.MaxUnit = result.Total
	}
	if result.StepSize == 0 {
		result.StepSize = 1
	}
	if result.AllocationRatio == 0 {
		result.AllocationRatio = 1.0
	}
	return result
}
