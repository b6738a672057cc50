// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// maxCommitAttempts bounds how often a commit transaction is restarted after
// a deadlock or serialization failure before the error is surfaced.
const maxCommitAttempts = 3

// CommitAllocations atomically replaces the full allocation state of each
// given consumer. For each consumer, all previous allocations are dropped and
// the requested ones are written in their place; an empty allocation set thus
// removes all allocations while keeping the consumer record. Within one
// transaction:
//
//   - Each consumer's generation is asserted. A nil generation asserts that
//     the consumer does not exist yet and creates it.
//   - Provider generations are asserted where the request supplies them.
//   - After writing, the summed usage on each touched (provider, class) pair
//     is re-checked against the inventory's unit constraints and effective
//     capacity.
//   - All involved providers (those allocated against, and those that only
//     lost allocations) and all involved consumers advance their generation
//     by exactly one.
//
// Deadlocks between concurrent commits are resolved by restarting the losing
// transaction, up to maxCommitAttempts times.
func CommitAllocations(ctx context.Context, dbm *gorp.DbMap, registries *core.Registries, timeNow func() time.Time, consumers []core.CommitConsumer) error {
	err := core.ValidateCommit(consumers)
	if err != nil {
		return err
	}

	// resolve all class names before taking any locks
	classIDs := make(map[string]db.ResourceClassID)
	for _, consumer := range consumers {
		for _, alloc := range consumer.Allocations {
			for className := range alloc.Resources {
				if _, done := classIDs[className]; done {
					continue
				}
				classID, err := registries.ResourceClasses.IDOf(dbm, className)
				if err != nil {
					return err
				}
				classIDs[className] = classID
			}
		}
	}

	// consumers are locked in UUID order so that concurrent commits over the
	// same consumers cannot deadlock on each other
	sorted := make([]core.CommitConsumer, len(consumers))
	copy(sorted, consumers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UUID < sorted[j].UUID })

	for attempt := 1; ; attempt++ {
		err := commitAllocationsOnce(dbm, registries, timeNow, sorted, classIDs)
		if err == nil || !isDeadlockOrSerializationFailure(err) {
			return err
		}
		if attempt >= maxCommitAttempts {
			return fmt.Errorf("while committing allocations (%d attempts): %w", attempt, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

var getConsumerForUpdateQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, project_id, user_id, consumer_type_id, generation, created_at, updated_at
	  FROM consumers WHERE uuid = $1 FOR UPDATE
`)

var oldAllocationProvidersQuery = sqlext.SimplifyWhitespace(`
	SELECT DISTINCT resource_provider_id FROM allocations WHERE consumer_id = ANY($1)
`)

var namedProvidersQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, name, generation, parent_id, root_id FROM resource_providers WHERE uuid = ANY($1)
`)

var lockProvidersQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, name, generation, parent_id, root_id FROM resource_providers
	 WHERE id = ANY($1) ORDER BY id FOR UPDATE
`)

var deleteConsumerAllocationsQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM allocations WHERE consumer_id = ANY($1)
`)

var insertAllocationQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO allocations (consumer_id, resource_provider_id, resource_class_id, used) VALUES ($1, $2, $3, $4)
`)

var allocatedInventoryQuery = sqlext.SimplifyWhitespace(`
	SELECT i.total, i.reserved, i.min_unit, i.max_unit, i.step_size, i.allocation_ratio, COALESCE(SUM(a.used), 0)
	  FROM inventories i
	  LEFT OUTER JOIN allocations a ON a.resource_provider_id = i.resource_provider_id
	                               AND a.resource_class_id = i.resource_class_id
	 WHERE i.resource_provider_id = $1 AND i.resource_class_id = $2
	 GROUP BY i.total, i.reserved, i.min_unit, i.max_unit, i.step_size, i.allocation_ratio
`)

var updateConsumerOnCommitQuery = sqlext.SimplifyWhitespace(`
	UPDATE consumers SET project_id = $2, user_id = $3, consumer_type_id = $4, generation = generation + 1, updated_at = $5 WHERE id = $1
`)

type lockedConsumer struct {
	Row  db.Consumer
	Spec core.CommitConsumer
}

func commitAllocationsOnce(dbm *gorp.DbMap, registries *core.Registries, timeNow func() time.Time, consumers []core.CommitConsumer, classIDs map[string]db.ResourceClassID) error {
	tx, err := dbm.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)
	now := timeNow()

	// step 1: lock or create the consumer rows
	locked := make([]lockedConsumer, 0, len(consumers))
	for _, spec := range consumers {
		projectID, err := ensureProject(tx, spec.ProjectID)
		if err != nil {
			return err
		}
		userID, err := ensureUser(tx, spec.UserID)
		if err != nil {
			return err
		}
		consumerTypeID, err := ensureConsumerType(tx, spec.ConsumerType)
		if err != nil {
			return err
		}

		var row db.Consumer
		err = tx.SelectOne(&row, getConsumerForUpdateQuery, spec.UUID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if spec.ConsumerGeneration != nil {
				return core.ConcurrentUpdateError("consumer", spec.UUID, nil)
			}
			row = db.Consumer{
				UUID:           spec.UUID,
				ProjectID:      projectID,
				UserID:         userID,
				ConsumerTypeID: &consumerTypeID,
				Generation:     0,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			err = tx.Insert(&row)
			if isUniqueViolation(err) {
				// a concurrent commit created this consumer in the meantime
				return core.ConcurrentUpdateError("consumer", spec.UUID, nil)
			}
			if err != nil {
				return fmt.Errorf("while creating consumer %s: %w", spec.UUID, err)
			}
		case err != nil:
			return err
		default:
			if spec.ConsumerGeneration == nil {
				current := row.Generation
				return core.ConcurrentUpdateError("consumer", spec.UUID, &current)
			}
			if row.Generation != *spec.ConsumerGeneration {
				current := row.Generation
				return core.ConcurrentUpdateError("consumer", spec.UUID, &current)
			}
			row.ProjectID = projectID
			row.UserID = userID
			row.ConsumerTypeID = &consumerTypeID
		}
		locked = append(locked, lockedConsumer{Row: row, Spec: spec})
	}

	consumerIDs := make([]db.ConsumerID, len(locked))
	for idx, lc := range locked {
		consumerIDs[idx] = lc.Row.ID
	}

	// step 2: resolve the providers named in the request, and find those that
	// currently hold allocations of the involved consumers (they lose usage,
	// so their generation must advance too)
	providerIDs := make(map[db.ResourceProviderID]struct{})
	err = sqlext.ForeachRow(tx, oldAllocationProvidersQuery, []any{pq.Array(consumerIDs)}, func(rows *sql.Rows) error {
		var providerID db.ResourceProviderID
		err := rows.Scan(&providerID)
		if err == nil {
			providerIDs[providerID] = struct{}{}
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("while finding current allocations: %w", err)
	}

	namedUUIDs := make(map[string]struct{})
	for _, lc := range locked {
		for providerUUID := range lc.Spec.Allocations {
			namedUUIDs[providerUUID] = struct{}{}
		}
	}
	providerByUUID := make(map[string]db.ResourceProvider)
	if len(namedUUIDs) > 0 {
		uuids := make([]string, 0, len(namedUUIDs))
		for providerUUID := range namedUUIDs {
			uuids = append(uuids, providerUUID)
		}
		providerByUUID, err = db.BuildIndexOfDBResult(tx, func(p db.ResourceProvider) string { return p.UUID }, namedProvidersQuery, pq.Array(uuids))
		if err != nil {
			return fmt.Errorf("while resolving providers: %w", err)
		}
		for providerUUID := range namedUUIDs {
			if _, ok := providerByUUID[providerUUID]; !ok {
				return core.NotFoundError("resource provider", providerUUID)
			}
		}
		for _, row := range providerByUUID {
			providerIDs[row.ID] = struct{}{}
		}
	}

	// step 3: lock all involved providers in ID order
	allProviderIDs := make([]db.ResourceProviderID, 0, len(providerIDs))
	for providerID := range providerIDs {
		allProviderIDs = append(allProviderIDs, providerID)
	}
	sort.Slice(allProviderIDs, func(i, j int) bool { return allProviderIDs[i] < allProviderIDs[j] })
	if len(allProviderIDs) > 0 {
		lockedByUUID, err := db.BuildIndexOfDBResult(tx, func(p db.ResourceProvider) string { return p.UUID }, lockProvidersQuery, pq.Array(allProviderIDs))
		if err != nil {
			return fmt.Errorf("while locking providers: %w", err)
		}
		// the locked read is the authoritative one
		for providerUUID := range providerByUUID {
			providerByUUID[providerUUID] = lockedByUUID[providerUUID]
		}
	}

	// step 4: assert provider generations where the request supplies them
	for _, lc := range locked {
		for providerUUID, alloc := range lc.Spec.Allocations {
			if alloc.ProviderGeneration == nil {
				continue
			}
			provider := providerByUUID[providerUUID]
			if provider.Generation != *alloc.ProviderGeneration {
				current := provider.Generation
				return core.ConcurrentUpdateError("resource provider", providerUUID, &current)
			}
		}
	}

	// step 5: replace the allocation rows
	_, err = tx.Exec(deleteConsumerAllocationsQuery, pq.Array(consumerIDs))
	if err != nil {
		return fmt.Errorf("while removing previous allocations: %w", err)
	}

	type allocationPair struct {
		ProviderID db.ResourceProviderID
		ClassID    db.ResourceClassID
	}
	newAmounts := make(map[allocationPair][]uint64)
	err = sqlext.WithPreparedStatement(tx, insertAllocationQuery, func(stmt *sql.Stmt) error {
		for _, lc := range locked {
			for providerUUID, alloc := range lc.Spec.Allocations {
				providerID := providerByUUID[providerUUID].ID
				for className, amount := range alloc.Resources {
					_, err := stmt.Exec(lc.Row.ID, providerID, classIDs[className], amount)
					if err != nil {
						return err
					}
					pair := allocationPair{providerID, classIDs[className]}
					newAmounts[pair] = append(newAmounts[pair], amount)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("while writing allocations: %w", err)
	}

	// step 6: re-check unit constraints and capacity on each touched pair,
	// now that the new rows are in place
	pairs := make([]allocationPair, 0, len(newAmounts))
	for pair := range newAmounts {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ProviderID != pairs[j].ProviderID {
			return pairs[i].ProviderID < pairs[j].ProviderID
		}
		return pairs[i].ClassID < pairs[j].ClassID
	})
	for _, pair := range pairs {
		describePair := func() (string, string) {
			providerUUID := ""
			for u, p := range providerByUUID {
				if p.ID == pair.ProviderID {
					providerUUID = u
					break
				}
			}
			className, nameErr := registries.ResourceClasses.NameOf(tx, pair.ClassID)
			if nameErr != nil {
				className = fmt.Sprintf("#%d", pair.ClassID)
			}
			return providerUUID, className
		}

		var (
			inv  db.Inventory
			used uint64
		)
		err := tx.QueryRow(allocatedInventoryQuery, pair.ProviderID, pair.ClassID).Scan(
			&inv.Total, &inv.Reserved, &inv.MinUnit, &inv.MaxUnit, &inv.StepSize, &inv.AllocationRatio, &used)
		if errors.Is(err, sql.ErrNoRows) {
			providerUUID, className := describePair()
			return core.CapacityExceededError("provider %s has no inventory of class %s", providerUUID, className)
		}
		if err != nil {
			return fmt.Errorf("while re-checking capacity: %w", err)
		}

		for _, amount := range newAmounts[pair] {
			if amount < inv.MinUnit || amount > inv.MaxUnit || inv.StepSize == 0 || amount%inv.StepSize != 0 {
				providerUUID, className := describePair()
				return core.CapacityExceededError("allocation of %d units of %s on provider %s violates the unit constraints (min_unit = %d, max_unit = %d, step_size = %d)",
					amount, className, providerUUID, inv.MinUnit, inv.MaxUnit, inv.StepSize)
			}
		}
		if capacity := inv.EffectiveCapacity(); used > capacity {
			providerUUID, className := describePair()
			return core.CapacityExceededError("usage %d of class %s on provider %s exceeds the effective capacity %d",
				used, className, providerUUID, capacity)
		}
	}

	// step 7: advance all involved generations by exactly one
	err = bumpProviderGenerations(tx, allProviderIDs...)
	if err != nil {
		return err
	}
	for _, lc := range locked {
		_, err = tx.Exec(updateConsumerOnCommitQuery, lc.Row.ID, lc.Row.ProjectID, lc.Row.UserID, lc.Row.ConsumerTypeID, now)
		if err != nil {
			return fmt.Errorf("while updating consumer %s: %w", lc.Spec.UUID, err)
		}
	}

	return tx.Commit()
}

// DeleteAllocationsForConsumer removes all allocations of the given consumer
// without asserting its generation. The consumer record itself is kept; its
// generation and those of all providers that lost usage advance by one.
// Returns an ErrNotFound error if no such consumer exists.
func DeleteAllocationsForConsumer(ctx context.Context, dbm *gorp.DbMap, timeNow func() time.Time, consumerUUID string) error {
	for attempt := 1; ; attempt++ {
		err := deleteAllocationsOnce(dbm, timeNow, consumerUUID)
		if err == nil || !isDeadlockOrSerializationFailure(err) {
			return err
		}
		if attempt >= maxCommitAttempts {
			return fmt.Errorf("while removing allocations (%d attempts): %w", attempt, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

var bumpConsumerGenerationQuery = sqlext.SimplifyWhitespace(`
	UPDATE consumers SET generation = generation + 1, updated_at = $2 WHERE id = $1
`)

func deleteAllocationsOnce(dbm *gorp.DbMap, timeNow func() time.Time, consumerUUID string) error {
	tx, err := dbm.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	var row db.Consumer
	err = tx.SelectOne(&row, getConsumerForUpdateQuery, consumerUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NotFoundError("consumer", consumerUUID)
	}
	if err != nil {
		return err
	}

	var providerIDs []db.ResourceProviderID
	err = sqlext.ForeachRow(tx, oldAllocationProvidersQuery, []any{pq.Array([]db.ConsumerID{row.ID})}, func(rows *sql.Rows) error {
		var providerID db.ResourceProviderID
		err := rows.Scan(&providerID)
		if err == nil {
			providerIDs = append(providerIDs, providerID)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("while finding current allocations: %w", err)
	}
	sort.Slice(providerIDs, func(i, j int) bool { return providerIDs[i] < providerIDs[j] })
	if len(providerIDs) > 0 {
		var lockedRows []db.ResourceProvider
		_, err = tx.Select(&lockedRows, lockProvidersQuery, pq.Array(providerIDs))
		if err != nil {
			return fmt.Errorf("while locking providers: %w", err)
		}
	}

	_, err = tx.Exec(deleteConsumerAllocationsQuery, pq.Array([]db.ConsumerID{row.ID}))
	if err != nil {
		return fmt.Errorf("while removing allocations: %w", err)
	}

	err = bumpProviderGenerations(tx, providerIDs...)
	if err != nil {
		return err
	}
	_, err = tx.Exec(bumpConsumerGenerationQuery, row.ID, timeNow())
	if err != nil {
		return fmt.Errorf("while updating consumer %s: %w", consumerUUID, err)
	}

	return tx.Commit()
}

var ensureProjectQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO projects (external_id) VALUES ($1) ON CONFLICT DO NOTHING
`)

func ensureProject(tx db.Interface, externalID string) (db.ProjectID, error) {
	_, err := tx.Exec(ensureProjectQuery, externalID)
	if err != nil {
		return 0, fmt.Errorf("while ensuring project %q: %w", externalID, err)
	}
	var id db.ProjectID
	err = tx.QueryRow(`SELECT id FROM projects WHERE external_id = $1`, externalID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("while ensuring project %q: %w", externalID, err)
	}
	return id, nil
}

var ensureUserQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO users (external_id) VALUES ($1) ON CONFLICT DO NOTHING
`)

func ensureUser(tx db.Interface, externalID string) (db.UserID, error) {
	_, err := tx.Exec(ensureUserQuery, externalID)
	if err != nil {
		return 0, fmt.Errorf("while ensuring user %q: %w", externalID, err)
	}
	var id db.UserID
	err = tx.QueryRow(`SELECT id FROM users WHERE external_id = $1`, externalID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("while ensuring user %q: %w", externalID, err)
	}
	return id, nil
}

var ensureConsumerTypeQuery = sqlext.SimplifyWhitespace(`
	INSERT INTO consumer_types (name) VALUES ($1) ON CONFLICT DO NOTHING
`)

func ensureConsumerType(tx db.Interface, name string) (db.ConsumerTypeID, error) {
	_, err := tx.Exec(ensureConsumerTypeQuery, name)
	if err != nil {
		return 0, fmt.Errorf("while ensuring consumer type %q: %w", name, err)
	}
	var id db.ConsumerTypeID
	err = tx.QueryRow(`SELECT id FROM consumer_types WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("while ensuring consumer type %q: %w", name, err)
	}
	return id, nil
}
