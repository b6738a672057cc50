// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// ConsumerAllocations is the full allocation state of one consumer, with all
// foreign keys resolved into their external representations.
type ConsumerAllocations struct {
	UUID       string
	Generation int32
	ProjectID  string
	UserID     string
	// ConsumerType is nil for consumers that were created before their type
	// was known.
	ConsumerType *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Allocations maps provider UUIDs to the amounts held per resource class.
	Allocations map[string]map[string]uint64
}

var getConsumerEnvelopeQuery = sqlext.SimplifyWhitespace(`
	SELECT c.uuid, c.generation, c.created_at, c.updated_at, p.external_id, u.external_id, ct.name
	  FROM consumers c
	  JOIN projects p ON p.id = c.project_id
	  JOIN users u ON u.id = c.user_id
	  LEFT OUTER JOIN consumer_types ct ON ct.id = c.consumer_type_id
	 WHERE c.uuid = $1
`)

var consumerAllocationsQuery = sqlext.SimplifyWhitespace(`
	SELECT rp.uuid, a.resource_class_id, a.used
	  FROM allocations a
	  JOIN consumers c ON c.id = a.consumer_id
	  JOIN resource_providers rp ON rp.id = a.resource_provider_id
	 WHERE c.uuid = $1
`)

// GetAllocationsForConsumer returns the allocation state of the consumer with
// the given UUID, or an ErrNotFound error if no such consumer exists.
func GetAllocationsForConsumer(dbi db.Interface, registries *core.Registries, consumerUUID string) (ConsumerAllocations, error) {
	result := ConsumerAllocations{
		Allocations: make(map[string]map[string]uint64),
	}

	var consumerType sql.NullString
	err := dbi.QueryRow(getConsumerEnvelopeQuery, consumerUUID).Scan(
		&result.UUID, &result.Generation, &result.CreatedAt, &result.UpdatedAt,
		&result.ProjectID, &result.UserID, &consumerType)
	if errors.Is(err, sql.ErrNoRows) {
		return ConsumerAllocations{}, core.NotFoundError("consumer", consumerUUID)
	}
	if err != nil {
		return ConsumerAllocations{}, err
	}
	if consumerType.Valid {
		result.ConsumerType = &consumerType.String
	}

	err = sqlext.ForeachRow(dbi, consumerAllocationsQuery, []any{consumerUUID}, func(rows *sql.Rows) error {
		var (
			providerUUID string
			classID      db.ResourceClassID
			used         uint64
		)
		err := rows.Scan(&providerUUID, &classID, &used)
		if err != nil {
			return err
		}
		className, err := registries.ResourceClasses.NameOf(dbi, classID)
		if err != nil {
			return err
		}
		byClass := result.Allocations[providerUUID]
		if byClass == nil {
			byClass = make(map[string]uint64)
			result.Allocations[providerUUID] = byClass
		}
		byClass[className] = used
		return nil
	})
	if err != nil {
		return ConsumerAllocations{}, fmt.Errorf("while listing allocations of consumer %s: %w", consumerUUID, err)
	}
	return result, nil
}

var providerAllocationsQuery = sqlext.SimplifyWhitespace(`
	SELECT c.uuid, a.resource_class_id, a.used
	  FROM allocations a
	  JOIN consumers c ON c.id = a.consumer_id
	 WHERE a.resource_provider_id = $1
`)

// GetAllocationsForProvider returns all allocations placed against the
// provider with the given UUID, keyed by consumer UUID, together with the
// provider's current generation.
func GetAllocationsForProvider(dbi db.Interface, registries *core.Registries, providerUUID string) (generation int32, allocations map[string]map[string]uint64, err error) {
	provider, err := GetResourceProvider(dbi, providerUUID)
	if err != nil {
		return 0, nil, err
	}

	allocations = make(map[string]map[string]uint64)
	err = sqlext.ForeachRow(dbi, providerAllocationsQuery, []any{provider.ID}, func(rows *sql.Rows) error {
		var (
			consumerUUID string
			classID      db.ResourceClassID
			used         uint64
		)
		err := rows.Scan(&consumerUUID, &classID, &used)
		if err != nil {
			return err
		}
		className, err := registries.ResourceClasses.NameOf(dbi, classID)
		if err != nil {
			return err
		}
		byClass := allocations[consumerUUID]
		if byClass == nil {
			byClass = make(map[string]uint64)
			allocations[consumerUUID] = byClass
		}
		byClass[className] = used
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("while listing allocations on provider %s: %w", providerUUID, err)
	}
	return provider.Generation, allocations, nil
}
