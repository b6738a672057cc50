// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-gorp/gorp/v3"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// InventorySpec contains the writable fields of an inventory, as supplied by
// an external writer.
type InventorySpec struct {
	Total           uint64
	Reserved        uint64
	MinUnit         uint64
	MaxUnit         uint64
	StepSize        uint64
	AllocationRatio float64
}

// Validate checks the field constraints. The class name is only used in
// error messages.
func (s InventorySpec) Validate(className string) error {
	switch {
	case s.Total == 0:
		return core.ValidationError("inventory of %s: total must be positive", className)
	case s.Reserved > s.Total:
		return core.ValidationError("inventory of %s: reserved (%d) must not exceed total (%d)", className, s.Reserved, s.Total)
	case s.MinUnit == 0:
		return core.ValidationError("inventory of %s: min_unit must be at least 1", className)
	case s.MaxUnit > s.Total:
		return core.ValidationError("inventory of %s: max_unit (%d) must not exceed total (%d)", className, s.MaxUnit, s.Total)
	case s.StepSize == 0:
		return core.ValidationError("inventory of %s: step_size must be at least 1", className)
	case s.AllocationRatio <= 0:
		return core.ValidationError("inventory of %s: allocation_ratio must be positive", className)
	}
	return nil
}

func (s InventorySpec) applyTo(inv *db.Inventory) {
	inv.Total = s.Total
	inv.Reserved = s.Reserved
	inv.MinUnit = s.MinUnit
	inv.MaxUnit = s.MaxUnit
	inv.StepSize = s.StepSize
	inv.AllocationRatio = s.AllocationRatio
}

func (s InventorySpec) effectiveCapacity() uint64 {
	return db.Inventory{Total: s.Total, Reserved: s.Reserved, AllocationRatio: s.AllocationRatio}.EffectiveCapacity()
}

// ListInventories returns all inventories of the given provider, keyed by
// resource class name.
func ListInventories(dbi db.Interface, registries *core.Registries, providerID db.ResourceProviderID) (map[string]db.Inventory, error) {
	var rows []db.Inventory
	_, err := dbi.Select(&rows, `SELECT * FROM inventories WHERE resource_provider_id = $1`, providerID)
	if err != nil {
		return nil, fmt.Errorf("while listing inventories: %w", err)
	}
	result := make(map[string]db.Inventory, len(rows))
	for _, row := range rows {
		className, err := registries.ResourceClasses.NameOf(dbi, row.ResourceClassID)
		if err != nil {
			return nil, err
		}
		result[className] = row
	}
	return result, nil
}

var providerUsageByClassQuery = sqlext.SimplifyWhitespace(`
	SELECT resource_class_id, SUM(used) FROM allocations
	 WHERE resource_provider_id = $1 GROUP BY resource_class_id
`)

func getProviderUsageByClass(dbi db.Interface, providerID db.ResourceProviderID) (map[db.ResourceClassID]uint64, error) {
	result := make(map[db.ResourceClassID]uint64)
	err := sqlext.ForeachRow(dbi, providerUsageByClassQuery, []any{providerID}, func(rows *sql.Rows) error {
		var (
			classID db.ResourceClassID
			used    uint64
		)
		err := rows.Scan(&classID, &used)
		if err != nil {
			return err
		}
		result[classID] = used
		return nil
	})
	return result, err
}

// ReplaceAllInventories replaces the full inventory set of a provider. The
// replacement is refused if it would strand existing allocations: classes
// with remaining usage cannot be removed, and their effective capacity cannot
// shrink below the current usage. The supplied generation is asserted and
// then advanced by one.
func ReplaceAllInventories(dbm *gorp.DbMap, registries *core.Registries, providerUUID string, expectedGeneration int32, specs map[string]InventorySpec) (db.ResourceProvider, error) {
	for className, spec := range specs {
		err := spec.Validate(className)
		if err != nil {
			return db.ResourceProvider{}, err
		}
	}

	tx, err := dbm.Begin()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider, err := lockProvider(tx, providerUUID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	err = checkProviderGeneration(provider, expectedGeneration)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	specsByClassID := make(map[db.ResourceClassID]InventorySpec, len(specs))
	for className, spec := range specs {
		classID, err := registries.ResourceClasses.IDOf(tx, className)
		if err != nil {
			return db.ResourceProvider{}, err
		}
		specsByClassID[classID] = spec
	}

	usageByClassID, err := getProviderUsageByClass(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	for classID, usage := range usageByClassID {
		if usage == 0 {
			continue
		}
		className, err := registries.ResourceClasses.NameOf(tx, classID)
		if err != nil {
			return db.ResourceProvider{}, err
		}
		spec, exists := specsByClassID[classID]
		if !exists {
			return db.ResourceProvider{}, core.InvariantViolationError("cannot remove inventory of %s from provider %q: %d units are still allocated", className, providerUUID, usage)
		}
		if capacity := spec.effectiveCapacity(); capacity < usage {
			return db.ResourceProvider{}, core.InvariantViolationError("cannot shrink inventory of %s on provider %q to effective capacity %d: %d units are still allocated", className, providerUUID, capacity, usage)
		}
	}

	var existingRows []db.Inventory
	_, err = tx.Select(&existingRows, `SELECT * FROM inventories WHERE resource_provider_id = $1`, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	existingByClassID := make(map[db.ResourceClassID]db.Inventory, len(existingRows))
	for _, row := range existingRows {
		existingByClassID[row.ResourceClassID] = row
	}

	for classID, spec := range specsByClassID {
		row, exists := existingByClassID[classID]
		if exists {
			spec.applyTo(&row)
			_, err = tx.Update(&row)
		} else {
			row = db.Inventory{ResourceProviderID: provider.ID, ResourceClassID: classID}
			spec.applyTo(&row)
			err = tx.Insert(&row)
		}
		if err != nil {
			return db.ResourceProvider{}, fmt.Errorf("while writing inventory: %w", err)
		}
	}
	for classID, row := range existingByClassID {
		if _, stillWanted := specsByClassID[classID]; !stillWanted {
			_, err = tx.Delete(&row)
			if err != nil {
				return db.ResourceProvider{}, fmt.Errorf("while deleting inventory: %w", err)
			}
		}
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}

// UpsertInventory creates or updates a single inventory without touching the
// provider's other inventories. The same stranding checks as for
// ReplaceAllInventories apply to the targeted class. The supplied generation
// is asserted and then advanced by one.
func UpsertInventory(dbm *gorp.DbMap, registries *core.Registries, providerUUID, className string, expectedGeneration int32, spec InventorySpec) (db.ResourceProvider, error) {
	err := spec.Validate(className)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	tx, err := dbm.Begin()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider, err := lockProvider(tx, providerUUID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	err = checkProviderGeneration(provider, expectedGeneration)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	classID, err := registries.ResourceClasses.IDOf(tx, className)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	usageByClassID, err := getProviderUsageByClass(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	if usage := usageByClassID[classID]; usage > 0 {
		if capacity := spec.effectiveCapacity(); capacity < usage {
			return db.ResourceProvider{}, core.InvariantViolationError("cannot shrink inventory of %s on provider %q to effective capacity %d: %d units are still allocated", className, providerUUID, capacity, usage)
		}
	}

	var row db.Inventory
	err = tx.SelectOne(&row, `SELECT * FROM inventories WHERE resource_provider_id = $1 AND resource_class_id = $2`, provider.ID, classID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = db.Inventory{ResourceProviderID: provider.ID, ResourceClassID: classID}
		spec.applyTo(&row)
		err = tx.Insert(&row)
	case err == nil:
		spec.applyTo(&row)
		_, err = tx.Update(&row)
	}
	if err != nil {
		return db.ResourceProvider{}, fmt.Errorf("while writing inventory: %w", err)
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}

// DeleteInventory removes a single inventory. Deletion is refused while
// allocations of this class against this provider exist. The provider
// generation advances by one.
func DeleteInventory(dbm *gorp.DbMap, registries *core.Registries, providerUUID, className string) (db.ResourceProvider, error) {
	tx, err := dbm.Begin()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider, err := lockProvider(tx, providerUUID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	classID, err := registries.ResourceClasses.IDOf(tx, className)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	usageByClassID, err := getProviderUsageByClass(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	if usage := usageByClassID[classID]; usage > 0 {
		return db.ResourceProvider{}, core.InvariantViolationError("cannot remove inventory of %s from provider %q: %d units are still allocated", className, providerUUID, usage)
	}

	result, err := tx.Exec(`DELETE FROM inventories WHERE resource_provider_id = $1 AND resource_class_id = $2`, provider.ID, classID)
	if err != nil {
		return db.ResourceProvider{}, fmt.Errorf("while deleting inventory: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	if rowsAffected == 0 {
		return db.ResourceProvider{}, core.NotFoundError("inventory", fmt.Sprintf("%s on provider %s", className, providerUUID))
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}

// DeleteAllInventories removes all inventories of a provider. Deletion is
// refused while any allocations against the provider exist. The provider
// generation advances by one.
func DeleteAllInventories(dbm *gorp.DbMap, providerUUID string) (db.ResourceProvider, error) {
	tx, err := dbm.Begin()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider, err := lockProvider(tx, providerUUID)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	var allocationCount int
	err = tx.QueryRow(`SELECT COUNT(*) FROM allocations WHERE resource_provider_id = $1`, provider.ID).Scan(&allocationCount)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	if allocationCount > 0 {
		return db.ResourceProvider{}, core.InvariantViolationError("cannot remove inventories from provider %q: %d allocations still exist", providerUUID, allocationCount)
	}

	_, err = tx.Exec(`DELETE FROM inventories WHERE resource_provider_id = $1`, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, fmt.Errorf("while deleting inventories: %w", err)
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}
