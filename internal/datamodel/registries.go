// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"fmt"
	"strings"

	"github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

var countResourceClassReferencesQuery = sqlext.SimplifyWhitespace(`
	SELECT
		(SELECT COUNT(*) FROM inventories WHERE resource_class_id = $1),
		(SELECT COUNT(*) FROM allocations WHERE resource_class_id = $1)
`)

// DeleteResourceClass deletes a custom resource class. Standard classes
// cannot be deleted, and neither can classes that are still referenced by
// inventories or allocations.
func DeleteResourceClass(dbm *gorp.DbMap, registries *core.Registries, className string) error {
	if registries.ResourceClasses.IsStandard(className) {
		return core.ValidationError("cannot delete standard resource class %s", className)
	}

	tx, err := dbm.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	classID, err := registries.ResourceClasses.IDOf(tx, className)
	if err != nil {
		return err
	}
	var inventoryCount, allocationCount int
	err = tx.QueryRow(countResourceClassReferencesQuery, classID).Scan(&inventoryCount, &allocationCount)
	if err != nil {
		return err
	}
	switch {
	case inventoryCount > 0:
		return core.InvariantViolationError("cannot delete resource class %s: it is referenced by %d inventories", className, inventoryCount)
	case allocationCount > 0:
		return core.InvariantViolationError("cannot delete resource class %s: it is referenced by %d allocations", className, allocationCount)
	}

	_, err = tx.Exec(`DELETE FROM resource_classes WHERE id = $1`, classID)
	if err != nil {
		return fmt.Errorf("while deleting resource class: %w", err)
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	registries.ResourceClasses.Forget(className)
	return nil
}

// DeleteTrait deletes a custom trait. Standard traits cannot be deleted, and
// neither can traits that are still attached to any provider.
func DeleteTrait(dbm *gorp.DbMap, registries *core.Registries, traitName string) error {
	if registries.Traits.IsStandard(traitName) {
		return core.ValidationError("cannot delete standard trait %s", traitName)
	}

	tx, err := dbm.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	traitID, err := registries.Traits.IDOf(tx, traitName)
	if err != nil {
		return err
	}
	var associationCount int
	err = tx.QueryRow(`SELECT COUNT(*) FROM resource_provider_traits WHERE trait_id = $1`, traitID).Scan(&associationCount)
	if err != nil {
		return err
	}
	if associationCount > 0 {
		return core.InvariantViolationError("cannot delete trait %s: it is attached to %d providers", traitName, associationCount)
	}

	_, err = tx.Exec(`DELETE FROM traits WHERE id = $1`, traitID)
	if err != nil {
		return fmt.Errorf("while deleting trait: %w", err)
	}
	err = tx.Commit()
	if err != nil {
		return err
	}
	registries.Traits.Forget(traitName)
	return nil
}

// TraitFilter restricts the result set of ListTraits. The zero value matches
// all traits.
type TraitFilter struct {
	// NamePrefix matches traits whose name starts with this prefix.
	NamePrefix string
	// Names matches only the given traits.
	Names []string
	// AssociatedOnly matches only traits that are attached to at least one
	// provider.
	AssociatedOnly bool
}

// ListTraits returns the names of all traits matching the given filter,
// sorted alphabetically.
func ListTraits(dbi db.Interface, filter TraitFilter) ([]string, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.NamePrefix != "" {
		conditions = append(conditions, fmt.Sprintf(`t.name LIKE %s`, arg(filter.NamePrefix+"%")))
	}
	if len(filter.Names) > 0 {
		conditions = append(conditions, fmt.Sprintf(`t.name = ANY(%s)`, arg(pq.Array(filter.Names))))
	}
	if filter.AssociatedOnly {
		conditions = append(conditions, `EXISTS (SELECT 1 FROM resource_provider_traits WHERE trait_id = t.id)`)
	}

	query := `SELECT t.name FROM traits t`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY t.name`

	names := []string{}
	_, err := dbi.Select(&names, query, args...)
	if err != nil {
		return nil, fmt.Errorf("while listing traits: %w", err)
	}
	return names, nil
}
