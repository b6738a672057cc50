// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

// ResourceProviderID is an ID into the resource_providers table. This typedef
// is used to distinguish these IDs from IDs of other tables or raw int64 values.
type ResourceProviderID int64

// ResourceClassID is an ID into the resource_classes table. This typedef is
// used to distinguish these IDs from IDs of other tables or raw int64 values.
type ResourceClassID int64

// TraitID is an ID into the traits table. This typedef is used to distinguish
// these IDs from IDs of other tables or raw int64 values.
type TraitID int64

// InventoryID is an ID into the inventories table. This typedef is used to
// distinguish these IDs from IDs of other tables or raw int64 values.
type InventoryID int64

// ProjectID is an ID into the projects table. This typedef is used to
// distinguish these IDs from IDs of other tables or raw int64 values.
type ProjectID int64

// UserID is an ID into the users table. This typedef is used to distinguish
// these IDs from IDs of other tables or raw int64 values.
type UserID int64

// ConsumerTypeID is an ID into the consumer_types table. This typedef is used
// to distinguish these IDs from IDs of other tables or raw int64 values.
type ConsumerTypeID int64

// ConsumerID is an ID into the consumers table. This typedef is used to
// distinguish these IDs from IDs of other tables or raw int64 values.
type ConsumerID int64

// AllocationID is an ID into the allocations table. This typedef is used to
// distinguish these IDs from IDs of other tables or raw int64 values.
type AllocationID int64
