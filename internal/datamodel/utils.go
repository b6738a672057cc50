// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

var getProviderQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, name, generation, parent_id, root_id FROM resource_providers WHERE uuid = $1
`)

// GetResourceProvider returns the provider with the given UUID, or an
// ErrNotFound error.
func GetResourceProvider(dbi db.Interface, providerUUID string) (db.ResourceProvider, error) {
	var provider db.ResourceProvider
	err := dbi.SelectOne(&provider, getProviderQuery, providerUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return db.ResourceProvider{}, core.NotFoundError("resource provider", providerUUID)
	}
	return provider, err
}

// lockProvider loads the provider with the given UUID and takes a row lock on
// it until the end of the transaction.
func lockProvider(tx db.Interface, providerUUID string) (db.ResourceProvider, error) {
	var provider db.ResourceProvider
	err := tx.SelectOne(&provider, getProviderQuery+` FOR UPDATE`, providerUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return db.ResourceProvider{}, core.NotFoundError("resource provider", providerUUID)
	}
	return provider, err
}

// checkProviderGeneration asserts the generation that an external writer
// claims to have observed.
func checkProviderGeneration(provider db.ResourceProvider, expected int32) error {
	if provider.Generation != expected {
		current := provider.Generation
		return core.ConcurrentUpdateError("resource provider", provider.UUID, &current)
	}
	return nil
}

var bumpProviderGenerationQuery = sqlext.SimplifyWhitespace(`
	UPDATE resource_providers SET generation = generation + 1 WHERE id = ANY($1)
`)

// bumpProviderGenerations advances the generation of each given provider by
// exactly one, in response to a successful mutation.
func bumpProviderGenerations(tx db.Interface, ids ...db.ResourceProviderID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(bumpProviderGenerationQuery, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("while bumping provider generations: %w", err)
	}
	return nil
}

// isUniqueViolation checks whether the given error is a PostgreSQL
// unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isDeadlockOrSerializationFailure checks whether the given error is a
// PostgreSQL error that warrants a transaction restart.
func isDeadlockOrSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
