// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// matchProvider is the matcher's view of one resource provider.
type matchProvider struct {
	ID       db.ResourceProviderID
	UUID     string
	ParentID *db.ResourceProviderID
	RootID   db.ResourceProviderID
	Traits   map[db.TraitID]struct{}
	// Aggregates contains only direct memberships. Root-level memberships are
	// resolved through the provider's root where the semantics call for it.
	Aggregates map[string]struct{}
	Sharing    bool
}

// reachableAggregates returns the aggregate set that counts for membership
// filters: direct memberships plus the tree root's direct memberships.
// Memberships of intermediate ancestors do not span.
func (w *matchWorld) reachableAggregates(p *matchProvider) map[string]struct{} {
	root := w.Providers[p.RootID]
	if root == nil || len(root.Aggregates) == 0 || root.ID == p.ID {
		return p.Aggregates
	}
	result := make(map[string]struct{}, len(p.Aggregates)+len(root.Aggregates))
	for agg := range p.Aggregates {
		result[agg] = struct{}{}
	}
	for agg := range root.Aggregates {
		result[agg] = struct{}{}
	}
	return result
}

// matchInventory is one inventory row plus the usage that was current when
// the snapshot was taken.
type matchInventory struct {
	Inventory db.Inventory
	Used      uint64
}

// matchWorld is the snapshot of all providers, inventories, traits and
// aggregate memberships that are relevant for one candidate request: the
// trees of all providers carrying inventory of a requested class, plus all
// trees connected to a sharing provider's aggregates.
type matchWorld struct {
	Providers   map[db.ResourceProviderID]*matchProvider
	Members     map[db.ResourceProviderID][]db.ResourceProviderID // tree root -> member IDs, sorted
	Inventories map[db.ResourceProviderID]map[db.ResourceClassID]matchInventory
	// AnchorsOf maps each sharing provider to the roots of all trees that
	// reach it via a shared aggregate (its own root is always included).
	AnchorsOf map[db.ResourceProviderID]map[db.ResourceProviderID]struct{}
}

var matchInventoriesQuery = sqlext.SimplifyWhitespace(`
	SELECT i.resource_provider_id, i.resource_class_id, i.total, i.reserved,
	       i.min_unit, i.max_unit, i.step_size, i.allocation_ratio, COALESCE(u.used, 0)
	  FROM inventories i
	  LEFT OUTER JOIN (
		SELECT resource_provider_id, resource_class_id, SUM(used) AS used
		  FROM allocations GROUP BY resource_provider_id, resource_class_id
	  ) u ON u.resource_provider_id = i.resource_provider_id AND u.resource_class_id = i.resource_class_id
	 WHERE i.resource_class_id = ANY($1)
`)

var matchSharersQuery = sqlext.SimplifyWhitespace(`
	SELECT resource_provider_id FROM resource_provider_traits
	 WHERE trait_id = $1 AND resource_provider_id = ANY($2)
`)

var matchProvidersQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid, name, generation, parent_id, root_id FROM resource_providers
	 WHERE root_id IN (
		SELECT root_id FROM resource_providers WHERE id = ANY($1)
		UNION
		SELECT rp.root_id FROM resource_providers rp
		  JOIN resource_provider_aggregates rpa ON rpa.resource_provider_id = rp.id
		 WHERE rpa.aggregate_uuid IN (
			SELECT aggregate_uuid FROM resource_provider_aggregates WHERE resource_provider_id = ANY($2)
		 )
	 )
`)

var matchTraitsQuery = sqlext.SimplifyWhitespace(`
	SELECT resource_provider_id, trait_id FROM resource_provider_traits WHERE resource_provider_id = ANY($1)
`)

var matchAggregatesQuery = sqlext.SimplifyWhitespace(`
	SELECT resource_provider_id, aggregate_uuid FROM resource_provider_aggregates WHERE resource_provider_id = ANY($1)
`)

// loadMatchWorld takes the snapshot for one candidate request. The usage sums
// are read in the same query as the inventories so that admissibility checks
// see one consistent state.
func loadMatchWorld(dbi db.Interface, registries *core.Registries, classIDs []db.ResourceClassID) (*matchWorld, error) {
	w := &matchWorld{
		Providers:   make(map[db.ResourceProviderID]*matchProvider),
		Members:     make(map[db.ResourceProviderID][]db.ResourceProviderID),
		Inventories: make(map[db.ResourceProviderID]map[db.ResourceClassID]matchInventory),
		AnchorsOf:   make(map[db.ResourceProviderID]map[db.ResourceProviderID]struct{}),
	}

	err := sqlext.ForeachRow(dbi, matchInventoriesQuery, []any{pq.Array(classIDs)}, func(rows *sql.Rows) error {
		var (
			providerID db.ResourceProviderID
			inv        db.Inventory
			used       uint64
		)
		err := rows.Scan(&providerID, &inv.ResourceClassID, &inv.Total, &inv.Reserved,
			&inv.MinUnit, &inv.MaxUnit, &inv.StepSize, &inv.AllocationRatio, &used)
		if err != nil {
			return err
		}
		inv.ResourceProviderID = providerID
		byClass := w.Inventories[providerID]
		if byClass == nil {
			byClass = make(map[db.ResourceClassID]matchInventory)
			w.Inventories[providerID] = byClass
		}
		byClass[inv.ResourceClassID] = matchInventory{Inventory: inv, Used: used}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while loading inventories: %w", err)
	}
	if len(w.Inventories) == 0 {
		// no provider carries any of the requested classes
		return w, nil
	}

	inventoriedIDs := make([]db.ResourceProviderID, 0, len(w.Inventories))
	for providerID := range w.Inventories {
		inventoriedIDs = append(inventoriedIDs, providerID)
	}

	sharingTraitID, err := registries.Traits.IDOf(dbi, core.TraitSharesViaAggregate)
	if err != nil {
		return nil, err
	}
	var sharerIDs []db.ResourceProviderID
	_, err = dbi.Select(&sharerIDs, matchSharersQuery, sharingTraitID, pq.Array(inventoriedIDs))
	if err != nil {
		return nil, fmt.Errorf("while loading sharing providers: %w", err)
	}

	var providerRows []db.ResourceProvider
	_, err = dbi.Select(&providerRows, matchProvidersQuery, pq.Array(inventoriedIDs), pq.Array(sharerIDs))
	if err != nil {
		return nil, fmt.Errorf("while loading providers: %w", err)
	}
	loadedIDs := make([]db.ResourceProviderID, 0, len(providerRows))
	for _, row := range providerRows {
		w.Providers[row.ID] = &matchProvider{
			ID:         row.ID,
			UUID:       row.UUID,
			ParentID:   row.ParentID,
			RootID:     row.RootID,
			Traits:     make(map[db.TraitID]struct{}),
			Aggregates: make(map[string]struct{}),
		}
		w.Members[row.RootID] = append(w.Members[row.RootID], row.ID)
		loadedIDs = append(loadedIDs, row.ID)
	}
	for _, memberIDs := range w.Members {
		sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })
	}

	err = sqlext.ForeachRow(dbi, matchTraitsQuery, []any{pq.Array(loadedIDs)}, func(rows *sql.Rows) error {
		var (
			providerID db.ResourceProviderID
			traitID    db.TraitID
		)
		err := rows.Scan(&providerID, &traitID)
		if err != nil {
			return err
		}
		p := w.Providers[providerID]
		p.Traits[traitID] = struct{}{}
		if traitID == sharingTraitID {
			p.Sharing = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while loading traits: %w", err)
	}

	err = sqlext.ForeachRow(dbi, matchAggregatesQuery, []any{pq.Array(loadedIDs)}, func(rows *sql.Rows) error {
		var (
			providerID    db.ResourceProviderID
			aggregateUUID string
		)
		err := rows.Scan(&providerID, &aggregateUUID)
		if err != nil {
			return err
		}
		w.Providers[providerID].Aggregates[aggregateUUID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while loading aggregates: %w", err)
	}

	w.buildAnchors()
	return w, nil
}

// buildAnchors computes, for each sharing provider, the set of tree roots
// that reach it: the sharer's own root, plus the root of every tree with a
// member whose direct aggregates overlap the sharer's direct aggregates.
func (w *matchWorld) buildAnchors() {
	membersOfAggregate := make(map[string][]db.ResourceProviderID)
	for _, p := range w.Providers {
		for agg := range p.Aggregates {
			membersOfAggregate[agg] = append(membersOfAggregate[agg], p.ID)
		}
	}

	for _, p := range w.Providers {
		if !p.Sharing {
			continue
		}
		anchors := map[db.ResourceProviderID]struct{}{p.RootID: {}}
		for agg := range p.Aggregates {
			for _, memberID := range membersOfAggregate[agg] {
				anchors[w.Providers[memberID].RootID] = struct{}{}
			}
		}
		w.AnchorsOf[p.ID] = anchors
	}
}

func (w *matchWorld) isAnchoredTo(sharerID, rootID db.ResourceProviderID) bool {
	_, ok := w.AnchorsOf[sharerID][rootID]
	return ok
}

// resolvedClassAmount is one requested resource after name resolution,
// carrying both representations for output building.
type resolvedClassAmount struct {
	ClassName string
	ClassID   db.ResourceClassID
	Amount    uint64
}

// resolvedGroup is one request group after name resolution.
type resolvedGroup struct {
	Suffix          string
	Classes         []resolvedClassAmount // sorted by class name
	RequiredTraits  map[db.TraitID]struct{}
	ForbiddenTraits map[db.TraitID]struct{}
	MemberOf        [][]string
	ForbiddenAggs   []string
	UseSameProvider bool
}

// groupCandidate is one way to serve a single request group.
type groupCandidate struct {
	// Allocations maps each chosen provider to the amounts it serves.
	Allocations map[db.ResourceProviderID]map[db.ResourceClassID]uint64
	// AnchorRoots lists the tree roots this choice can anchor to. For choices
	// containing a non-sharing provider this is exactly that provider's root;
	// pure-sharing choices can anchor to any tree that reaches all of their
	// sharers.
	AnchorRoots map[db.ResourceProviderID]struct{}
	// PureSharing is set when every chosen provider is a sharing provider.
	PureSharing bool
}

func (c groupCandidate) dedupKey() string {
	return serializeAllocations(c.Allocations)
}

// serializeAllocations renders an allocation map into a canonical string.
// Two allocation maps are semantically equal exactly if their serializations
// are equal, so this doubles as a deduplication key and as a deterministic
// sort key.
func serializeAllocations(allocations map[db.ResourceProviderID]map[db.ResourceClassID]uint64) string {
	type entry struct {
		providerID db.ResourceProviderID
		classID    db.ResourceClassID
		amount     uint64
	}
	var entries []entry
	for providerID, byClass := range allocations {
		for classID, amount := range byClass {
			entries = append(entries, entry{providerID, classID, amount})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].providerID != entries[j].providerID {
			return entries[i].providerID < entries[j].providerID
		}
		return entries[i].classID < entries[j].classID
	})
	var buf strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&buf, "%d:%d:%d;", e.providerID, e.classID, e.amount)
	}
	return buf.String()
}

// holdsAnyTrait checks p against a trait set.
func holdsAnyTrait(p *matchProvider, traits map[db.TraitID]struct{}) bool {
	for traitID := range traits {
		if _, ok := p.Traits[traitID]; ok {
			return true
		}
	}
	return false
}

func holdsAllTraits(p *matchProvider, traits map[db.TraitID]struct{}) bool {
	for traitID := range traits {
		if _, ok := p.Traits[traitID]; !ok {
			return false
		}
	}
	return true
}

// satisfiesAggregates checks the group's member_of and forbidden_aggregates
// constraints against one provider. Membership counts if the provider or its
// tree root is directly a member.
func (w *matchWorld) satisfiesAggregates(p *matchProvider, g resolvedGroup) bool {
	if len(g.MemberOf) == 0 && len(g.ForbiddenAggs) == 0 {
		return true
	}
	reachable := w.reachableAggregates(p)
	for _, innerSet := range g.MemberOf {
		matched := false
		for _, agg := range innerSet {
			if _, ok := reachable[agg]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, agg := range g.ForbiddenAggs {
		if _, ok := reachable[agg]; ok {
			return false
		}
	}
	return true
}

// admits checks whether the provider can serve the given amount of the given
// class on top of its current usage.
func (w *matchWorld) admits(providerID db.ResourceProviderID, classID db.ResourceClassID, amount uint64) bool {
	record, ok := w.Inventories[providerID][classID]
	if !ok {
		return false
	}
	return record.Inventory.Admits(amount, record.Used)
}

// solveGranularGroup returns all single-provider choices for a granular
// group: providers that alone carry admissible inventory for every requested
// class, own all required traits, own no forbidden trait, and satisfy all
// aggregate and tree constraints.
func (w *matchWorld) solveGranularGroup(g resolvedGroup, treeRootID db.ResourceProviderID) []groupCandidate {
	var result []groupCandidate

	providerIDs := make([]db.ResourceProviderID, 0, len(w.Inventories))
	for providerID := range w.Inventories {
		providerIDs = append(providerIDs, providerID)
	}
	sort.Slice(providerIDs, func(i, j int) bool { return providerIDs[i] < providerIDs[j] })

	for _, providerID := range providerIDs {
		p := w.Providers[providerID]
		if p == nil {
			continue
		}
		if treeRootID != 0 && p.RootID != treeRootID {
			continue
		}
		if !holdsAllTraits(p, g.RequiredTraits) || holdsAnyTrait(p, g.ForbiddenTraits) {
			continue
		}
		if !w.satisfiesAggregates(p, g) {
			continue
		}
		admitsAll := true
		for _, ca := range g.Classes {
			if !w.admits(providerID, ca.ClassID, ca.Amount) {
				admitsAll = false
				break
			}
		}
		if !admitsAll {
			continue
		}

		amounts := make(map[db.ResourceClassID]uint64, len(g.Classes))
		for _, ca := range g.Classes {
			amounts[ca.ClassID] = ca.Amount
		}
		anchorRoots := map[db.ResourceProviderID]struct{}{p.RootID: {}}
		if p.Sharing {
			anchorRoots = w.AnchorsOf[p.ID]
		}
		result = append(result, groupCandidate{
			Allocations: map[db.ResourceProviderID]map[db.ResourceClassID]uint64{providerID: amounts},
			AnchorRoots: anchorRoots,
			PureSharing: p.Sharing,
		})
	}
	return result
}

// solveTreeGroup returns all ways to serve a splittable group from one
// provider tree plus its reachable sharing providers.
//
// Required traits are checked in two phases: a tree is only considered if the
// union of traits over its members and reachable sharers covers all required
// traits, and a specific choice is only emitted if the union over the chosen
// providers does. Providers holding a forbidden trait neither serve resources
// nor contribute their traits to either union.
func (w *matchWorld) solveTreeGroup(g resolvedGroup, treeRootID db.ResourceProviderID) []groupCandidate {
	// step 1: per-class provider sets
	perClass := make([][]db.ResourceProviderID, len(g.Classes))
	for idx, ca := range g.Classes {
		var eligible []db.ResourceProviderID
		for providerID := range w.Inventories {
			p := w.Providers[providerID]
			if p == nil {
				continue
			}
			if !w.admits(providerID, ca.ClassID, ca.Amount) {
				continue
			}
			if holdsAnyTrait(p, g.ForbiddenTraits) {
				continue
			}
			if !w.satisfiesAggregates(p, g) {
				continue
			}
			if treeRootID != 0 {
				inTree := p.RootID == treeRootID
				if !inTree && !(p.Sharing && w.isAnchoredTo(p.ID, treeRootID)) {
					continue
				}
			}
			eligible = append(eligible, providerID)
		}
		if len(eligible) == 0 {
			// a class that no provider can serve makes the whole group
			// unsatisfiable
			return nil
		}
		sort.Slice(eligible, func(i, j int) bool { return eligible[i] < eligible[j] })
		perClass[idx] = eligible
	}

	// step 2: candidate anchor trees
	anchorSet := make(map[db.ResourceProviderID]struct{})
	for _, eligible := range perClass {
		for _, providerID := range eligible {
			p := w.Providers[providerID]
			if p.Sharing {
				for rootID := range w.AnchorsOf[providerID] {
					anchorSet[rootID] = struct{}{}
				}
			} else {
				anchorSet[p.RootID] = struct{}{}
			}
		}
	}
	anchors := make([]db.ResourceProviderID, 0, len(anchorSet))
	for rootID := range anchorSet {
		if treeRootID != 0 && rootID != treeRootID {
			continue
		}
		anchors = append(anchors, rootID)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	// relevant sharers per anchor, for the phase-1 trait union
	sharersSeen := make(map[db.ResourceProviderID]struct{})
	var sharerIDs []db.ResourceProviderID
	for _, eligible := range perClass {
		for _, providerID := range eligible {
			if w.Providers[providerID].Sharing {
				if _, seen := sharersSeen[providerID]; !seen {
					sharersSeen[providerID] = struct{}{}
					sharerIDs = append(sharerIDs, providerID)
				}
			}
		}
	}

	var result []groupCandidate
	seenKeys := make(map[string]int) // dedup key -> index into result

	for _, anchorRoot := range anchors {
		// step 3: per-class choices within this anchor
		choices := make([][]db.ResourceProviderID, len(perClass))
		feasible := true
		for idx, eligible := range perClass {
			var filtered []db.ResourceProviderID
			for _, providerID := range eligible {
				p := w.Providers[providerID]
				if p.Sharing {
					if w.isAnchoredTo(providerID, anchorRoot) {
						filtered = append(filtered, providerID)
					}
				} else if p.RootID == anchorRoot {
					filtered = append(filtered, providerID)
				}
			}
			if len(filtered) == 0 {
				feasible = false
				break
			}
			choices[idx] = filtered
		}
		if !feasible {
			continue
		}

		// phase 1: the trait union over the whole tree and its reachable
		// sharers must cover all required traits
		if len(g.RequiredTraits) > 0 {
			union := make(map[db.TraitID]struct{})
			collect := func(p *matchProvider) {
				if holdsAnyTrait(p, g.ForbiddenTraits) {
					return
				}
				for traitID := range p.Traits {
					union[traitID] = struct{}{}
				}
			}
			for _, memberID := range w.Members[anchorRoot] {
				collect(w.Providers[memberID])
			}
			for _, sharerID := range sharerIDs {
				if w.isAnchoredTo(sharerID, anchorRoot) {
					collect(w.Providers[sharerID])
				}
			}
			covered := true
			for traitID := range g.RequiredTraits {
				if _, ok := union[traitID]; !ok {
					covered = false
					break
				}
			}
			if !covered {
				continue
			}
		}

		// step 4: cross-product enumeration
		indices := make([]int, len(choices))
		for {
			chosen := make(map[db.ResourceProviderID]map[db.ResourceClassID]uint64)
			pureSharing := true
			for idx, ca := range g.Classes {
				providerID := choices[idx][indices[idx]]
				byClass := chosen[providerID]
				if byClass == nil {
					byClass = make(map[db.ResourceClassID]uint64)
					chosen[providerID] = byClass
				}
				byClass[ca.ClassID] = ca.Amount
				if !w.Providers[providerID].Sharing {
					pureSharing = false
				}
			}

			// phase 2: the union over the chosen providers must cover all
			// required traits (a trait held by any chosen provider counts,
			// even if that provider serves an unrelated resource)
			accepted := true
			if len(g.RequiredTraits) > 0 {
				union := make(map[db.TraitID]struct{})
				for providerID := range chosen {
					for traitID := range w.Providers[providerID].Traits {
						union[traitID] = struct{}{}
					}
				}
				for traitID := range g.RequiredTraits {
					if _, ok := union[traitID]; !ok {
						accepted = false
						break
					}
				}
			}

			if accepted {
				candidate := groupCandidate{
					Allocations: chosen,
					AnchorRoots: map[db.ResourceProviderID]struct{}{anchorRoot: {}},
					PureSharing: pureSharing,
				}
				if pureSharing {
					candidate.AnchorRoots = w.commonSharerAnchors(chosen)
				}
				key := candidate.dedupKey()
				if _, exists := seenKeys[key]; !exists {
					seenKeys[key] = len(result)
					result = append(result, candidate)
				}
			}

			// advance the product indices
			pos := len(indices) - 1
			for pos >= 0 {
				indices[pos]++
				if indices[pos] < len(choices[pos]) {
					break
				}
				indices[pos] = 0
				pos--
			}
			if pos < 0 {
				break
			}
		}
	}
	return result
}

// commonSharerAnchors intersects the anchor sets of all chosen providers,
// which must all be sharing providers.
func (w *matchWorld) commonSharerAnchors(chosen map[db.ResourceProviderID]map[db.ResourceClassID]uint64) map[db.ResourceProviderID]struct{} {
	var common map[db.ResourceProviderID]struct{}
	for providerID := range chosen {
		anchors := w.AnchorsOf[providerID]
		if common == nil {
			common = make(map[db.ResourceProviderID]struct{}, len(anchors))
			for rootID := range anchors {
				common[rootID] = struct{}{}
			}
			continue
		}
		for rootID := range common {
			if _, ok := anchors[rootID]; !ok {
				delete(common, rootID)
			}
		}
	}
	return common
}
