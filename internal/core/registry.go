// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sapcc/horreum/internal/db"
)

// Registry maps the names of resource classes or traits to their stable
// integer IDs and back. IDs live in the database; the registry caches them for
// the lifetime of the process since rows are never renumbered. New custom
// entries can appear at any time (also through other processes), so cache
// misses always fall through to the database.
type Registry[I ~int64] struct {
	kind     string // for error messages, e.g. "resource class"
	table    string
	standard []string
	lockKey  int64 // advisory lock key that serializes concurrent first-use inserts

	mu       sync.RWMutex
	idByName map[string]I
	nameByID map[I]string
}

// NewResourceClassRegistry builds the Registry for resource classes.
func NewResourceClassRegistry() *Registry[db.ResourceClassID] {
	return &Registry[db.ResourceClassID]{
		kind:     "resource class",
		table:    "resource_classes",
		standard: StandardResourceClasses,
		lockKey:  4001,
		idByName: make(map[string]db.ResourceClassID),
		nameByID: make(map[db.ResourceClassID]string),
	}
}

// NewTraitRegistry builds the Registry for traits.
func NewTraitRegistry() *Registry[db.TraitID] {
	return &Registry[db.TraitID]{
		kind:     "trait",
		table:    "traits",
		standard: StandardTraits,
		lockKey:  4002,
		idByName: make(map[string]db.TraitID),
		nameByID: make(map[db.TraitID]string),
	}
}

// SeedStandard inserts the standard catalog into the database (ignoring
// entries that already exist) and warms the cache with the full table
// contents.
func (r *Registry[I]) SeedStandard(dbi db.Interface) error {
	for _, name := range r.standard {
		_, err := dbi.Exec(fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT DO NOTHING`, r.table), name)
		if err != nil {
			return fmt.Errorf("while seeding %s %q: %w", r.kind, name, err)
		}
	}

	rows, err := dbi.Query(fmt.Sprintf(`SELECT id, name FROM %s`, r.table))
	if err != nil {
		return err
	}
	defer rows.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var (
			id   I
			name string
		)
		err := rows.Scan(&id, &name)
		if err != nil {
			return err
		}
		r.idByName[name] = id
		r.nameByID[id] = name
	}
	return rows.Err()
}

func (r *Registry[I]) cacheEntry(name string, id I) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idByName[name] = id
	r.nameByID[id] = name
}

// IDOf returns the ID for the given name, or an ErrNotFound error.
func (r *Registry[I]) IDOf(dbi db.Interface, name string) (I, error) {
	r.mu.RLock()
	id, exists := r.idByName[name]
	r.mu.RUnlock()
	if exists {
		return id, nil
	}

	err := dbi.QueryRow(fmt.Sprintf(`SELECT id FROM %s WHERE name = $1`, r.table), name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NotFoundError(r.kind, name)
	}
	if err != nil {
		return 0, err
	}
	r.cacheEntry(name, id)
	return id, nil
}

// IDsOf resolves a batch of names at once. An unknown name fails the whole
// batch with an ErrNotFound error.
func (r *Registry[I]) IDsOf(dbi db.Interface, names []string) (map[string]I, error) {
	result := make(map[string]I, len(names))
	for _, name := range names {
		id, err := r.IDOf(dbi, name)
		if err != nil {
			return nil, err
		}
		result[name] = id
	}
	return result, nil
}

// NameOf returns the name for the given ID, or an ErrNotFound error.
func (r *Registry[I]) NameOf(dbi db.Interface, id I) (string, error) {
	r.mu.RLock()
	name, exists := r.nameByID[id]
	r.mu.RUnlock()
	if exists {
		return name, nil
	}

	err := dbi.QueryRow(fmt.Sprintf(`SELECT name FROM %s WHERE id = $1`, r.table), id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError(r.kind, fmt.Sprintf("#%d", id))
	}
	if err != nil {
		return "", err
	}
	r.cacheEntry(name, id)
	return name, nil
}

// Ensure returns the ID for the given name, creating a custom entry if
// necessary. Creation is only allowed for names carrying the CUSTOM_ prefix.
func (r *Registry[I]) Ensure(dbi db.Interface, name string) (id I, created bool, err error) {
	err = ValidateSymbolName(r.kind, name)
	if err != nil {
		return 0, false, err
	}

	id, err = r.IDOf(dbi, name)
	if err == nil {
		return id, false, nil
	}
	if !IsKind(err, ErrNotFound) {
		return 0, false, err
	}
	if !strings.HasPrefix(name, CustomPrefix) {
		return 0, false, ValidationError("%s %q is not in the standard catalog and does not carry the %s prefix", r.kind, name, CustomPrefix)
	}

	// when two writers race on the same first use, the advisory lock makes the
	// loser see the winner's row instead of a unique-constraint error
	_, err = dbi.Exec(`SELECT pg_advisory_xact_lock($1)`, r.lockKey)
	if err != nil {
		return 0, false, err
	}
	result, err := dbi.Exec(fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) ON CONFLICT DO NOTHING`, r.table), name)
	if err != nil {
		return 0, false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	id, err = r.IDOf(dbi, name)
	if err != nil {
		return 0, false, err
	}
	return id, rowsAffected > 0, nil
}

// ListNames returns all names known to the database, sorted alphabetically.
func (r *Registry[I]) ListNames(dbi db.Interface) ([]string, error) {
	rows, err := dbi.Query(fmt.Sprintf(`SELECT id, name FROM %s`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	r.mu.Lock()
	for rows.Next() {
		var (
			id   I
			name string
		)
		err := rows.Scan(&id, &name)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.idByName[name] = id
		r.nameByID[id] = name
		names = append(names, name)
	}
	r.mu.Unlock()
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Forget drops a name from the cache after its row was deleted.
func (r *Registry[I]) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, exists := r.idByName[name]
	if exists {
		delete(r.idByName, name)
		delete(r.nameByID, id)
	}
}

// IsStandard checks whether the given name is part of the standard catalog.
func (r *Registry[I]) IsStandard(name string) bool {
	for _, s := range r.standard {
		if s == name {
			return true
		}
	}
	return false
}

// Registries bundles the two registries that nearly all engine operations
// need.
type Registries struct {
	ResourceClasses *Registry[db.ResourceClassID]
	Traits          *Registry[db.TraitID]
}

// NewRegistries builds a Registries bundle with empty caches.
func NewRegistries() *Registries {
	return &Registries{
		ResourceClasses: NewResourceClassRegistry(),
		Traits:          NewTraitRegistry(),
	}
}

// SeedStandard seeds both standard catalogs.
func (rr *Registries) SeedStandard(dbi db.Interface) error {
	err := rr.ResourceClasses.SeedStandard(dbi)
	if err != nil {
		return err
	}
	return rr.Traits.SeedStandard(dbi)
}
