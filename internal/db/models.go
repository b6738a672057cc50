// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"math"
	"time"

	"github.com/go-gorp/gorp/v3"
)

// ResourceProvider contains a record from the `resource_providers` table.
//
// Generation is a 32-bit optimistic-concurrency counter that advances by one
// on every successful mutation of the provider or its inventories, traits,
// aggregates or allocations. It is only ever compared for equality, so the
// practical limit is 2^31-1 mutations per provider row (Postgres reports an
// integer overflow beyond that).
type ResourceProvider struct {
	ID         ResourceProviderID  `db:"id"`
	UUID       string              `db:"uuid"`
	Name       string              `db:"name"`
	Generation int32               `db:"generation"`
	ParentID   *ResourceProviderID `db:"parent_id"` // pointer type to allow for NULL value
	RootID     ResourceProviderID  `db:"root_id"`
}

// ResourceClass contains a record from the `resource_classes` table.
type ResourceClass struct {
	ID   ResourceClassID `db:"id"`
	Name string          `db:"name"`
}

// Trait contains a record from the `traits` table.
type Trait struct {
	ID   TraitID `db:"id"`
	Name string  `db:"name"`
}

// ResourceProviderTrait contains a record from the `resource_provider_traits` table.
type ResourceProviderTrait struct {
	ResourceProviderID ResourceProviderID `db:"resource_provider_id"`
	TraitID            TraitID            `db:"trait_id"`
}

// ResourceProviderAggregate contains a record from the `resource_provider_aggregates` table.
// Aggregates are opaque UUID labels without records of their own, so the
// membership table is the only place where they appear.
type ResourceProviderAggregate struct {
	ResourceProviderID ResourceProviderID `db:"resource_provider_id"`
	AggregateUUID      string             `db:"aggregate_uuid"`
}

// Inventory contains a record from the `inventories` table.
type Inventory struct {
	ID                 InventoryID        `db:"id"`
	ResourceProviderID ResourceProviderID `db:"resource_provider_id"`
	ResourceClassID    ResourceClassID    `db:"resource_class_id"`
	Total              uint64             `db:"total"`
	Reserved           uint64             `db:"reserved"`
	MinUnit            uint64             `db:"min_unit"`
	MaxUnit            uint64             `db:"max_unit"`
	StepSize           uint64             `db:"step_size"`
	AllocationRatio    float64            `db:"allocation_ratio"`
}

// EffectiveCapacity returns how many units of this inventory may be consumed
// in total, i.e. floor((total - reserved) * allocation_ratio).
func (i Inventory) EffectiveCapacity() uint64 {
	if i.Reserved >= i.Total {
		return 0
	}
	return uint64(math.Floor(float64(i.Total-i.Reserved) * i.AllocationRatio))
}

// Admits checks whether an additional allocation of `amount` units fits into
// this inventory, given the summed-up existing usage on it.
func (i Inventory) Admits(amount, usage uint64) bool {
	if amount < i.MinUnit || amount > i.MaxUnit {
		return false
	}
	if i.StepSize == 0 || amount%i.StepSize != 0 {
		return false
	}
	return usage+amount <= i.EffectiveCapacity()
}

// Project contains a record from the `projects` table.
// ExternalID is the project identifier as reported by the requester; it is an
// opaque string to this service.
type Project struct {
	ID         ProjectID `db:"id"`
	ExternalID string    `db:"external_id"`
}

// User contains a record from the `users` table.
type User struct {
	ID         UserID `db:"id"`
	ExternalID string `db:"external_id"`
}

// ConsumerType contains a record from the `consumer_types` table.
type ConsumerType struct {
	ID   ConsumerTypeID `db:"id"`
	Name string         `db:"name"`
}

// Consumer contains a record from the `consumers` table.
//
// Generation works like ResourceProvider.Generation. A consumer row survives
// the removal of its last allocation (the generation must keep advancing);
// the janitor removes long-orphaned rows eventually.
type Consumer struct {
	ID             ConsumerID      `db:"id"`
	UUID           string          `db:"uuid"`
	ProjectID      ProjectID       `db:"project_id"`
	UserID         UserID          `db:"user_id"`
	ConsumerTypeID *ConsumerTypeID `db:"consumer_type_id"` // pointer type to allow for NULL value
	Generation     int32           `db:"generation"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Allocation contains a record from the `allocations` table.
type Allocation struct {
	ID                 AllocationID       `db:"id"`
	ConsumerID         ConsumerID         `db:"consumer_id"`
	ResourceProviderID ResourceProviderID `db:"resource_provider_id"`
	ResourceClassID    ResourceClassID    `db:"resource_class_id"`
	Used               uint64             `db:"used"`
}

// initGorp is used by InitORM() to setup the ORM part of the database connection.
func initGorp(db *gorp.DbMap) {
	db.AddTableWithName(ResourceProvider{}, "resource_providers").SetKeys(true, "id")
	db.AddTableWithName(ResourceClass{}, "resource_classes").SetKeys(true, "id")
	db.AddTableWithName(Trait{}, "traits").SetKeys(true, "id")
	db.AddTableWithName(ResourceProviderTrait{}, "resource_provider_traits").SetKeys(false, "resource_provider_id", "trait_id")
	db.AddTableWithName(ResourceProviderAggregate{}, "resource_provider_aggregates").SetKeys(false, "resource_provider_id", "aggregate_uuid")
	db.AddTableWithName(Inventory{}, "inventories").SetKeys(true, "id")
	db.AddTableWithName(Project{}, "projects").SetKeys(true, "id")
	db.AddTableWithName(User{}, "users").SetKeys(true, "id")
	db.AddTableWithName(ConsumerType{}, "consumer_types").SetKeys(true, "id")
	db.AddTableWithName(Consumer{}, "consumers").SetKeys(true, "id")
	db.AddTableWithName(Allocation{}, "allocations").SetKeys(true, "id")
}
