// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// CreateResourceProvider creates a provider with generation 0. The parent, if
// given, must exist; the new provider joins the parent's tree.
func CreateResourceProvider(dbm *gorp.DbMap, providerUUID, name string, parentUUID *string) (db.ResourceProvider, error) {
	err := core.ValidateProviderName(name)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	providerUUID, err = core.ParseUUID("resource provider", providerUUID)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	tx, err := dbm.Begin()
	if err != nil {
		return db.ResourceProvider{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider := db.ResourceProvider{
		UUID:       providerUUID,
		Name:       name,
		Generation: 0,
	}
	if parentUUID != nil {
		parent, err := GetResourceProvider(tx, *parentUUID)
		if err != nil {
			if core.IsKind(err, core.ErrNotFound) {
				// a missing parent is a defect in the request body, not in the URL
				return db.ResourceProvider{}, core.ValidationError("parent provider %q does not exist", *parentUUID)
			}
			return db.ResourceProvider{}, err
		}
		provider.ParentID = &parent.ID
		provider.RootID = parent.RootID
	}

	err = tx.Insert(&provider)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ResourceProvider{}, core.InvariantViolationError("a resource provider with name %q or UUID %q already exists", name, providerUUID)
		}
		return db.ResourceProvider{}, fmt.Errorf("while inserting provider: %w", err)
	}
	if provider.ParentID == nil {
		provider.RootID = provider.ID
		_, err = tx.Exec(`UPDATE resource_providers SET root_id = id WHERE id = $1`, provider.ID)
		if err != nil {
			return db.ResourceProvider{}, err
		}
	}

	return provider, tx.Commit()
}

var providerSubtreeQuery = sqlext.SimplifyWhitespace(`
	WITH RECURSIVE subtree AS (
		SELECT id FROM resource_providers WHERE id = $1
		UNION ALL
		SELECT rp.id FROM resource_providers rp JOIN subtree s ON rp.parent_id = s.id
	)
	SELECT id FROM subtree
`)

// UpdateResourceProvider renames and/or reparents a provider. Reparenting
// re-homes the entire subtree's root_id in the same transaction. The supplied
// generation is asserted and then advanced by one.
func UpdateResourceProvider(dbm *gorp.DbMap, providerUUID, newName string, newParentUUID *string, expectedGeneration int32) (db.ResourceProvider, error) {
	err := core.ValidateProviderName(newName)
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

	var (
		newParentID *db.ResourceProviderID
		newRootID   db.ResourceProviderID
	)
	if newParentUUID == nil {
		newRootID = provider.ID
	} else {
		parent, err := GetResourceProvider(tx, *newParentUUID)
		if err != nil {
			if core.IsKind(err, core.ErrNotFound) {
				return db.ResourceProvider{}, core.ValidationError("parent provider %q does not exist", *newParentUUID)
			}
			return db.ResourceProvider{}, err
		}
		var subtreeIDs []db.ResourceProviderID
		_, err = tx.Select(&subtreeIDs, providerSubtreeQuery, provider.ID)
		if err != nil {
			return db.ResourceProvider{}, err
		}
		for _, id := range subtreeIDs {
			if id == parent.ID {
				return db.ResourceProvider{}, core.InvariantViolationError("cannot set %q as parent of %q: this would create a cycle in the provider tree", *newParentUUID, providerUUID)
			}
		}
		newParentID = &parent.ID
		newRootID = parent.RootID
	}

	parentChanged := !equalProviderIDRefs(provider.ParentID, newParentID)
	if parentChanged && newRootID != provider.RootID {
		_, err = tx.Exec(`UPDATE resource_providers SET root_id = $2 WHERE id IN (`+providerSubtreeQuery+`)`, provider.ID, newRootID)
		if err != nil {
			return db.ResourceProvider{}, fmt.Errorf("while re-homing subtree: %w", err)
		}
	}

	provider.Name = newName
	provider.ParentID = newParentID
	provider.RootID = newRootID
	provider.Generation++
	_, err = tx.Update(&provider)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ResourceProvider{}, core.InvariantViolationError("a resource provider with name %q already exists", newName)
		}
		return db.ResourceProvider{}, fmt.Errorf("while updating provider: %w", err)
	}

	return provider, tx.Commit()
}

func equalProviderIDRefs(lhs, rhs *db.ResourceProviderID) bool {
	if lhs == nil || rhs == nil {
		return lhs == rhs
	}
	return *lhs == *rhs
}

var countProviderDependentsQuery = sqlext.SimplifyWhitespace(`
	SELECT
		(SELECT COUNT(*) FROM resource_providers WHERE parent_id = $1),
		(SELECT COUNT(*) FROM inventories WHERE resource_provider_id = $1),
		(SELECT COUNT(*) FROM allocations WHERE resource_provider_id = $1)
`)

// DeleteResourceProvider deletes a provider. Deletion is refused while child
// providers, inventories or allocations against the provider exist. Trait and
// aggregate memberships are removed along with the provider.
func DeleteResourceProvider(dbm *gorp.DbMap, providerUUID string) error {
	tx, err := dbm.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	provider, err := lockProvider(tx, providerUUID)
	if err != nil {
		return err
	}

	var childCount, inventoryCount, allocationCount int
	err = tx.QueryRow(countProviderDependentsQuery, provider.ID).Scan(&childCount, &inventoryCount, &allocationCount)
	if err != nil {
		return err
	}
	switch {
	case childCount > 0:
		return core.InvariantViolationError("cannot delete resource provider %q: it has %d child providers", providerUUID, childCount)
	case inventoryCount > 0:
		return core.InvariantViolationError("cannot delete resource provider %q: it has inventories", providerUUID)
	case allocationCount > 0:
		return core.InvariantViolationError("cannot delete resource provider %q: it has allocations against it", providerUUID)
	}

	_, err = tx.Delete(&provider)
	if err != nil {
		return fmt.Errorf("while deleting provider: %w", err)
	}
	return tx.Commit()
}

// ProviderFilter restricts the result set of ListResourceProviders. The zero
// value matches all providers.
type ProviderFilter struct {
	// NameSubstring matches providers whose name contains this substring.
	NameSubstring string
	// UUIDs matches only the given providers.
	UUIDs []string
	// MemberOf restricts by aggregate membership (AND over the outer list, OR
	// within each inner list). Membership is satisfied by the provider itself
	// or by its tree root.
	MemberOf [][]string
	// ForbiddenAggregates excludes providers that are (directly or through
	// their root) members of any of these aggregates.
	ForbiddenAggregates []string
	// RequiredTraits restricts to providers that own all of these traits
	// themselves.
	RequiredTraits []string
	// ForbiddenTraits excludes providers that own any of these traits.
	ForbiddenTraits []string
	// InTree restricts to the tree containing the provider with this UUID.
	InTree string
	// Resources restricts to providers on which each given amount is
	// admissible against the provider's own inventory and current usage.
	Resources map[string]uint64
}

// ListResourceProviders returns all providers matching the given filter,
// ordered by id.
func ListResourceProviders(dbi db.Interface, registries *core.Registries, filter ProviderFilter) ([]db.ResourceProvider, error) {
	var (
		conditions []string
		args       []any
	)
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.NameSubstring != "" {
		conditions = append(conditions, fmt.Sprintf(`rp.name LIKE %s`, arg("%"+filter.NameSubstring+"%")))
	}
	if len(filter.UUIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf(`rp.uuid = ANY(%s)`, arg(pq.Array(filter.UUIDs))))
	}
	if filter.InTree != "" {
		treeMember, err := GetResourceProvider(dbi, filter.InTree)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf(`rp.root_id = %s`, arg(treeMember.RootID)))
	}
	for _, innerSet := range filter.MemberOf {
		membership := fmt.Sprintf(`SELECT resource_provider_id FROM resource_provider_aggregates WHERE aggregate_uuid = ANY(%s)`, arg(pq.Array(innerSet)))
		conditions = append(conditions, fmt.Sprintf(`(rp.id IN (%[1]s) OR rp.root_id IN (%[1]s))`, membership))
	}
	if len(filter.ForbiddenAggregates) > 0 {
		membership := fmt.Sprintf(`SELECT resource_provider_id FROM resource_provider_aggregates WHERE aggregate_uuid = ANY(%s)`, arg(pq.Array(filter.ForbiddenAggregates)))
		conditions = append(conditions, fmt.Sprintf(`NOT (rp.id IN (%[1]s) OR rp.root_id IN (%[1]s))`, membership))
	}
	for _, traitName := range filter.RequiredTraits {
		traitID, err := registries.Traits.IDOf(dbi, traitName)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf(`EXISTS (SELECT 1 FROM resource_provider_traits WHERE resource_provider_id = rp.id AND trait_id = %s)`, arg(traitID)))
	}
	if len(filter.ForbiddenTraits) > 0 {
		traitIDs, err := registries.Traits.IDsOf(dbi, filter.ForbiddenTraits)
		if err != nil {
			return nil, err
		}
		idList := make([]db.TraitID, 0, len(traitIDs))
		for _, id := range traitIDs {
			idList = append(idList, id)
		}
		conditions = append(conditions, fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM resource_provider_traits WHERE resource_provider_id = rp.id AND trait_id = ANY(%s))`, arg(pq.Array(idList))))
	}
	for className, amount := range filter.Resources {
		if amount == 0 {
			return nil, core.ValidationError("requested amount for %s must be positive", className)
		}
		classID, err := registries.ResourceClasses.IDOf(dbi, className)
		if err != nil {
			return nil, err
		}
		classArg, amountArg := arg(classID), arg(amount)
		conditions = append(conditions, fmt.Sprintf(sqlext.SimplifyWhitespace(`
			EXISTS (
				SELECT 1 FROM inventories i
				 WHERE i.resource_provider_id = rp.id AND i.resource_class_id = %[1]s
				   AND %[2]s BETWEEN i.min_unit AND i.max_unit
				   AND MOD(%[2]s, i.step_size) = 0
				   AND COALESCE((SELECT SUM(a.used) FROM allocations a WHERE a.resource_provider_id = rp.id AND a.resource_class_id = %[1]s), 0) + %[2]s
				       <= FLOOR((i.total - i.reserved) * i.allocation_ratio)
			)
		`), classArg, amountArg))
	}

	query := `SELECT rp.id, rp.uuid, rp.name, rp.generation, rp.parent_id, rp.root_id FROM resource_providers rp`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY rp.id`

	var providers []db.ResourceProvider
	_, err := dbi.Select(&providers, query, args...)
	if err != nil {
		return nil, fmt.Errorf("while listing providers: %w", err)
	}
	return providers, nil
}

var getProviderTraitsQuery = sqlext.SimplifyWhitespace(`
	SELECT t.name FROM traits t
	  JOIN resource_provider_traits rpt ON rpt.trait_id = t.id
	 WHERE rpt.resource_provider_id = $1
	 ORDER BY t.name
`)

// GetProviderTraits lists the names of all traits attached to the given
// provider, sorted alphabetically. The result is never nil, so that it
// renders as [] in API responses.
func GetProviderTraits(dbi db.Interface, providerID db.ResourceProviderID) ([]string, error) {
	names := []string{}
	_, err := dbi.Select(&names, getProviderTraitsQuery, providerID)
	return names, err
}

// ReplaceProviderTraits replaces the full trait set of a provider. All traits
// must exist already (custom traits are created through the trait registry,
// not through provider association). The supplied generation is asserted and
// then advanced by one.
func ReplaceProviderTraits(dbm *gorp.DbMap, registries *core.Registries, providerUUID string, expectedGeneration int32, traitNames []string) (db.ResourceProvider, error) {
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

	traitIDs, err := registries.Traits.IDsOf(tx, traitNames)
	if err != nil {
		return db.ResourceProvider{}, err
	}

	_, err = tx.Exec(`DELETE FROM resource_provider_traits WHERE resource_provider_id = $1`, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	err = sqlext.WithPreparedStatement(tx, `INSERT INTO resource_provider_traits (resource_provider_id, trait_id) VALUES ($1, $2)`, func(stmt *sql.Stmt) error {
		for _, traitID := range traitIDs {
			_, err := stmt.Exec(provider.ID, traitID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return db.ResourceProvider{}, fmt.Errorf("while writing traits: %w", err)
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}

var getProviderAggregatesQuery = sqlext.SimplifyWhitespace(`
	SELECT aggregate_uuid FROM resource_provider_aggregates
	 WHERE resource_provider_id = $1 ORDER BY aggregate_uuid
`)

// GetProviderAggregates lists the UUIDs of all aggregates that the given
// provider is directly a member of, sorted alphabetically. The result is
// never nil, so that it renders as [] in API responses.
func GetProviderAggregates(dbi db.Interface, providerID db.ResourceProviderID) ([]string, error) {
	uuids := []string{}
	_, err := dbi.Select(&uuids, getProviderAggregatesQuery, providerID)
	return uuids, err
}

// ReplaceProviderAggregates replaces the full aggregate membership set of a
// provider. The supplied generation is asserted and then advanced by one.
func ReplaceProviderAggregates(dbm *gorp.DbMap, providerUUID string, expectedGeneration int32, aggregateUUIDs []string) (db.ResourceProvider, error) {
	parsed := make(map[string]struct{}, len(aggregateUUIDs))
	for _, aggregateUUID := range aggregateUUIDs {
		canonical, err := core.ParseUUID("aggregate", aggregateUUID)
		if err != nil {
			return db.ResourceProvider{}, err
		}
		parsed[canonical] = struct{}{}
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

	_, err = tx.Exec(`DELETE FROM resource_provider_aggregates WHERE resource_provider_id = $1`, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	err = sqlext.WithPreparedStatement(tx, `INSERT INTO resource_provider_aggregates (resource_provider_id, aggregate_uuid) VALUES ($1, $2)`, func(stmt *sql.Stmt) error {
		for aggregateUUID := range parsed {
			_, err := stmt.Exec(provider.ID, aggregateUUID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return db.ResourceProvider{}, fmt.Errorf("while writing aggregates: %w", err)
	}

	err = bumpProviderGenerations(tx, provider.ID)
	if err != nil {
		return db.ResourceProvider{}, err
	}
	provider.Generation++
	return provider, tx.Commit()
}
