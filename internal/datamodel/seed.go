// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/go-gorp/gorp/v3"
	"github.com/gofrs/uuid/v5"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// ApplySeed brings the database in line with the given seed: providers are
// created if missing (identified by name), and their traits, aggregates and
// inventories are replaced to match the seed. Applying an unchanged seed a
// second time is a no-op that does not advance any generations.
func ApplySeed(dbm *gorp.DbMap, registries *core.Registries, seed core.Seed) error {
	for _, provider := range seed.Providers {
		err := applySeedProvider(dbm, registries, provider)
		if err != nil {
			return fmt.Errorf("while applying seed for provider %q: %w", provider.Name, err)
		}
	}
	return nil
}

var getProviderByNameQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, name, generation, parent_id, root_id FROM resource_providers WHERE name = $1
`)

func applySeedProvider(dbm *gorp.DbMap, registries *core.Registries, sp core.SeedProvider) error {
	var provider db.ResourceProvider
	err := dbm.SelectOne(&provider, getProviderByNameQuery, sp.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		providerUUID := sp.UUID
		if providerUUID == "" {
			providerUUID = must.Return(uuid.NewV4()).String()
		}
		var parentUUID *string
		if sp.Parent != "" {
			var parent db.ResourceProvider
			err := dbm.SelectOne(&parent, getProviderByNameQuery, sp.Parent)
			if errors.Is(err, sql.ErrNoRows) {
				return core.ValidationError("parent provider %q does not exist", sp.Parent)
			}
			if err != nil {
				return err
			}
			parentUUID = &parent.UUID
		}
		provider, err = CreateResourceProvider(dbm, providerUUID, sp.Name, parentUUID)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	for _, traitName := range sp.Traits {
		_, _, err := registries.Traits.Ensure(dbm, traitName)
		if err != nil {
			return err
		}
	}
	currentTraits, err := GetProviderTraits(dbm, provider.ID)
	if err != nil {
		return err
	}
	wantTraits := slices.Clone(sp.Traits)
	slices.Sort(wantTraits)
	wantTraits = slices.Compact(wantTraits)
	if !slices.Equal(currentTraits, wantTraits) {
		provider, err = ReplaceProviderTraits(dbm, registries, provider.UUID, provider.Generation, sp.Traits)
		if err != nil {
			return err
		}
	}

	wantAggregates := make([]string, 0, len(sp.Aggregates))
	for _, aggregateUUID := range sp.Aggregates {
		canonical, err := core.ParseUUID("aggregate", aggregateUUID)
		if err != nil {
			return err
		}
		wantAggregates = append(wantAggregates, canonical)
	}
	slices.Sort(wantAggregates)
	wantAggregates = slices.Compact(wantAggregates)
	currentAggregates, err := GetProviderAggregates(dbm, provider.ID)
	if err != nil {
		return err
	}
	if !slices.Equal(currentAggregates, wantAggregates) {
		provider, err = ReplaceProviderAggregates(dbm, provider.UUID, provider.Generation, sp.Aggregates)
		if err != nil {
			return err
		}
	}

	specs := make(map[string]InventorySpec, len(sp.Inventories))
	for className, seedInventory := range sp.Inventories {
		_, _, err := registries.ResourceClasses.Ensure(dbm, className)
		if err != nil {
			return err
		}
		normalized := seedInventory.Normalized()
		specs[className] = InventorySpec{
			Total:           normalized.Total,
			Reserved:        normalized.Reserved,
			MinUnit:         normalized.MinUnit,
			MaxUnit:         normalized.MaxUnit,
			StepSize:        normalized.StepSize,
			AllocationRatio: normalized.AllocationRatio,
		}
	}
	currentInventories, err := ListInventories(dbm, registries, provider.ID)
	if err != nil {
		return err
	}
	if !inventoriesMatch(currentInventories, specs) {
		_, err = ReplaceAllInventories(dbm, registries, provider.UUID, provider.Generation, specs)
		if err != nil {
			return err
		}
	}
	return nil
}

func inventoriesMatch(current map[string]db.Inventory, desired map[string]InventorySpec) bool {
	if len(current) != len(desired) {
		return false
	}
	for className, spec := range desired {
		row, exists := current[className]
		if !exists {
			return false
		}
		if row.Total != spec.Total || row.Reserved != spec.Reserved ||
			row.MinUnit != spec.MinUnit || row.MaxUnit != spec.MaxUnit ||
			row.StepSize != spec.StepSize || row.AllocationRatio != spec.AllocationRatio {
			return false
		}
	}
	return true
}
