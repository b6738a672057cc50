// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"context"
	"database/sql"
	"math/rand"
	"sort"

	"github.com/lib/pq"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

// GetAllocationCandidates computes all ways to serve the given request from
// the current provider inventories, in several stages:
//
//  1. Resolve all names in the request and snapshot the relevant part of the
//     provider forest.
//  2. Solve each request group on its own: granular groups yield single
//     providers, splittable groups yield combinations from one tree plus its
//     reachable sharing providers.
//  3. Merge the per-group solutions into full candidates, enforcing the
//     single-tree rule, the group policy, and admissibility of summed
//     amounts.
//  4. Order deterministically (or shuffle, if so requested), apply the
//     limit, and build provider summaries for all providers that appear in
//     the surviving candidates.
//
// When the context expires, the computation stops at the next stage boundary
// and an empty result is returned instead of an error.
func GetAllocationCandidates(ctx context.Context, dbi db.Interface, registries *core.Registries, request core.CandidateRequest) (core.AllocationCandidates, error) {
	empty := core.AllocationCandidates{
		AllocationRequests: []core.AllocationRequest{},
		ProviderSummaries:  map[string]core.ProviderSummary{},
	}
	err := request.Validate()
	if err != nil {
		return empty, err
	}

	groups, classIDs, err := resolveRequestGroups(dbi, registries, request)
	if err != nil {
		return empty, err
	}

	var treeRootID db.ResourceProviderID
	if request.TreeRoot != "" {
		providerUUID, err := core.ParseUUID("resource provider", request.TreeRoot)
		if err != nil {
			return empty, err
		}
		provider, err := GetResourceProvider(dbi, providerUUID)
		if err != nil {
			return empty, err
		}
		treeRootID = provider.RootID
	}

	world, err := loadMatchWorld(dbi, registries, classIDs)
	if err != nil {
		return empty, err
	}
	if len(world.Inventories) == 0 || ctx.Err() != nil {
		return empty, nil
	}

	perGroup := make([][]groupCandidate, len(groups))
	for idx, g := range groups {
		if g.UseSameProvider {
			perGroup[idx] = world.solveGranularGroup(g, treeRootID)
		} else {
			perGroup[idx] = world.solveTreeGroup(g, treeRootID)
		}
		if len(perGroup[idx]) == 0 {
			// one unsatisfiable group sinks the whole request
			return empty, nil
		}
	}
	if ctx.Err() != nil {
		return empty, nil
	}

	merged := mergeGroupCandidates(world, groups, perGroup, request.GroupPolicy)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].AnchorRoot != merged[j].AnchorRoot {
			return merged[i].AnchorRoot < merged[j].AnchorRoot
		}
		return merged[i].SortKey < merged[j].SortKey
	})
	if request.Randomize {
		rand.Shuffle(len(merged), func(i, j int) { //nolint:gosec // shuffling candidates is not crypto-relevant
			merged[i], merged[j] = merged[j], merged[i]
		})
	}
	if request.Limit > 0 && uint64(len(merged)) > request.Limit {
		merged = merged[:request.Limit]
	}
	if ctx.Err() != nil {
		return empty, nil
	}

	return buildCandidateResult(dbi, registries, world, merged)
}

// resolveRequestGroups translates all class and trait names in the request
// into database IDs. Unknown names are reported as not-found errors. The
// groups come back in suffix order, with the unnumbered group first.
func resolveRequestGroups(dbi db.Interface, registries *core.Registries, request core.CandidateRequest) ([]resolvedGroup, []db.ResourceClassID, error) {
	classIDSet := make(map[db.ResourceClassID]struct{})
	groups := make([]resolvedGroup, 0, len(request.Groups))

	for _, suffix := range request.SortedSuffixes() {
		g := request.Groups[suffix]
		rg := resolvedGroup{
			Suffix:          suffix,
			RequiredTraits:  make(map[db.TraitID]struct{}, len(g.RequiredTraits)),
			ForbiddenTraits: make(map[db.TraitID]struct{}, len(g.ForbiddenTraits)),
			UseSameProvider: g.UseSameProvider,
		}

		classNames := make([]string, 0, len(g.Resources))
		for className := range g.Resources {
			classNames = append(classNames, className)
		}
		sort.Strings(classNames)
		for _, className := range classNames {
			classID, err := registries.ResourceClasses.IDOf(dbi, className)
			if err != nil {
				return nil, nil, err
			}
			classIDSet[classID] = struct{}{}
			rg.Classes = append(rg.Classes, resolvedClassAmount{
				ClassName: className,
				ClassID:   classID,
				Amount:    g.Resources[className],
			})
		}

		for _, traitName := range g.RequiredTraits {
			traitID, err := registries.Traits.IDOf(dbi, traitName)
			if err != nil {
				return nil, nil, err
			}
			rg.RequiredTraits[traitID] = struct{}{}
		}
		for _, traitName := range g.ForbiddenTraits {
			traitID, err := registries.Traits.IDOf(dbi, traitName)
			if err != nil {
				return nil, nil, err
			}
			rg.ForbiddenTraits[traitID] = struct{}{}
		}

		for _, innerSet := range g.MemberOf {
			canonical := make([]string, 0, len(innerSet))
			for _, aggregateUUID := range innerSet {
				parsed, err := core.ParseUUID("aggregate", aggregateUUID)
				if err != nil {
					return nil, nil, err
				}
				canonical = append(canonical, parsed)
			}
			rg.MemberOf = append(rg.MemberOf, canonical)
		}
		for _, aggregateUUID := range g.ForbiddenAggregates {
			parsed, err := core.ParseUUID("aggregate", aggregateUUID)
			if err != nil {
				return nil, nil, err
			}
			rg.ForbiddenAggs = append(rg.ForbiddenAggs, parsed)
		}

		groups = append(groups, rg)
	}

	classIDs := make([]db.ResourceClassID, 0, len(classIDSet))
	for classID := range classIDSet {
		classIDs = append(classIDs, classID)
	}
	sort.Slice(classIDs, func(i, j int) bool { return classIDs[i] < classIDs[j] })
	return groups, classIDs, nil
}

// mergedCandidate is one full solution of the request, covering all groups.
type mergedCandidate struct {
	AnchorRoot  db.ResourceProviderID
	Allocations map[db.ResourceProviderID]map[db.ResourceClassID]uint64
	Mappings    map[string][]db.ResourceProviderID // group suffix -> chosen providers
	SortKey     string
}

// mergeGroupCandidates builds the cross product over the per-group solutions
// and keeps each combination that satisfies the cross-group rules. Distinct
// combinations that collapse into the same allocation set are deduplicated.
func mergeGroupCandidates(w *matchWorld, groups []resolvedGroup, perGroup [][]groupCandidate, policy core.GroupPolicy) []mergedCandidate {
	var result []mergedCandidate
	seen := make(map[string]struct{})

	indices := make([]int, len(groups))
	for {
		combo := make([]groupCandidate, len(groups))
		for idx := range groups {
			combo[idx] = perGroup[idx][indices[idx]]
		}
		if m, ok := mergeCombo(w, groups, combo, policy); ok {
			if _, exists := seen[m.SortKey]; !exists {
				seen[m.SortKey] = struct{}{}
				result = append(result, m)
			}
		}

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(perGroup[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return result
}

func mergeCombo(w *matchWorld, groups []resolvedGroup, combo []groupCandidate, policy core.GroupPolicy) (mergedCandidate, bool) {
	// All non-sharing providers must live in one single tree, and that tree
	// anchors the candidate. Sharing providers only need to reach the anchor
	// tree through one of their aggregates.
	var anchorRoot db.ResourceProviderID
	for _, c := range combo {
		if c.PureSharing {
			continue
		}
		for rootID := range c.AnchorRoots {
			if anchorRoot == 0 {
				anchorRoot = rootID
			} else if anchorRoot != rootID {
				return mergedCandidate{}, false
			}
		}
	}
	if anchorRoot == 0 {
		// only sharing providers were chosen, so any tree that reaches all
		// of them can anchor; pick the smallest for determinism
		var common map[db.ResourceProviderID]struct{}
		for _, c := range combo {
			if common == nil {
				common = make(map[db.ResourceProviderID]struct{}, len(c.AnchorRoots))
				for rootID := range c.AnchorRoots {
					common[rootID] = struct{}{}
				}
				continue
			}
			for rootID := range common {
				if _, ok := c.AnchorRoots[rootID]; !ok {
					delete(common, rootID)
				}
			}
		}
		for rootID := range common {
			if anchorRoot == 0 || rootID < anchorRoot {
				anchorRoot = rootID
			}
		}
		if anchorRoot == 0 {
			return mergedCandidate{}, false
		}
	} else {
		for _, c := range combo {
			if !c.PureSharing {
				continue
			}
			if _, ok := c.AnchorRoots[anchorRoot]; !ok {
				return mergedCandidate{}, false
			}
		}
	}

	// the isolate policy demands pairwise distinct providers across all
	// granular groups
	if policy == core.GroupPolicyIsolate && !groupsArePairwiseIsolated(groups, combo) {
		return mergedCandidate{}, false
	}

	// sum up amounts; where several groups land on the same provider and
	// class, the summed amount must still be admissible
	total := make(map[db.ResourceProviderID]map[db.ResourceClassID]uint64)
	for _, c := range combo {
		for providerID, byClass := range c.Allocations {
			totalByClass := total[providerID]
			if totalByClass == nil {
				totalByClass = make(map[db.ResourceClassID]uint64)
				total[providerID] = totalByClass
			}
			for classID, amount := range byClass {
				totalByClass[classID] += amount
			}
		}
	}
	for providerID, byClass := range total {
		for classID, amount := range byClass {
			if !w.admits(providerID, classID, amount) {
				return mergedCandidate{}, false
			}
		}
	}

	mappings := make(map[string][]db.ResourceProviderID, len(groups))
	for idx, c := range combo {
		providerIDs := make([]db.ResourceProviderID, 0, len(c.Allocations))
		for providerID := range c.Allocations {
			providerIDs = append(providerIDs, providerID)
		}
		sort.Slice(providerIDs, func(i, j int) bool { return providerIDs[i] < providerIDs[j] })
		mappings[groups[idx].Suffix] = providerIDs
	}

	return mergedCandidate{
		AnchorRoot:  anchorRoot,
		Allocations: total,
		Mappings:    mappings,
		SortKey:     serializeAllocations(total),
	}, true
}

func groupsArePairwiseIsolated(groups []resolvedGroup, combo []groupCandidate) bool {
	used := make(map[db.ResourceProviderID]struct{})
	for idx, c := range combo {
		if !groups[idx].UseSameProvider {
			continue
		}
		for providerID := range c.Allocations {
			if _, clash := used[providerID]; clash {
				return false
			}
			used[providerID] = struct{}{}
		}
	}
	return true
}

var summaryInventoriesQuery = sqlext.SimplifyWhitespace(`
	SELECT i.resource_provider_id, i.resource_class_id, i.total, i.reserved,
	       i.min_unit, i.max_unit, i.step_size, i.allocation_ratio, COALESCE(u.used, 0)
	  FROM inventories i
	  LEFT OUTER JOIN (
		SELECT resource_provider_id, resource_class_id, SUM(used) AS used
		  FROM allocations GROUP BY resource_provider_id, resource_class_id
	  ) u ON u.resource_provider_id = i.resource_provider_id AND u.resource_class_id = i.resource_class_id
	 WHERE i.resource_provider_id = ANY($1)
`)

// buildCandidateResult renders the selected candidates into the API
// representation. The provider summaries cover exactly the providers that
// appear in the selected candidates, but list all of their inventories, not
// just the requested classes.
func buildCandidateResult(dbi db.Interface, registries *core.Registries, w *matchWorld, merged []mergedCandidate) (core.AllocationCandidates, error) {
	result := core.AllocationCandidates{
		AllocationRequests: make([]core.AllocationRequest, 0, len(merged)),
		ProviderSummaries:  make(map[string]core.ProviderSummary),
	}

	chosenSet := make(map[db.ResourceProviderID]struct{})
	for _, m := range merged {
		for providerID := range m.Allocations {
			chosenSet[providerID] = struct{}{}
		}
	}

	for _, m := range merged {
		request := core.AllocationRequest{
			Mappings: make(map[string][]string, len(m.Mappings)),
		}
		for providerID, byClass := range m.Allocations {
			for classID, amount := range byClass {
				className, err := registries.ResourceClasses.NameOf(dbi, classID)
				if err != nil {
					return result, err
				}
				request.Allocations = append(request.Allocations, core.AllocatedResource{
					ProviderUUID:  w.Providers[providerID].UUID,
					ResourceClass: className,
					Amount:        amount,
				})
			}
		}
		sort.Slice(request.Allocations, func(i, j int) bool {
			lhs, rhs := request.Allocations[i], request.Allocations[j]
			if lhs.ProviderUUID != rhs.ProviderUUID {
				return lhs.ProviderUUID < rhs.ProviderUUID
			}
			return lhs.ResourceClass < rhs.ResourceClass
		})
		for suffix, providerIDs := range m.Mappings {
			uuids := make([]string, 0, len(providerIDs))
			for _, providerID := range providerIDs {
				uuids = append(uuids, w.Providers[providerID].UUID)
			}
			sort.Strings(uuids)
			request.Mappings[suffix] = uuids
		}
		result.AllocationRequests = append(result.AllocationRequests, request)
	}

	if len(chosenSet) == 0 {
		return result, nil
	}
	chosenIDs := make([]db.ResourceProviderID, 0, len(chosenSet))
	for providerID := range chosenSet {
		chosenIDs = append(chosenIDs, providerID)
	}
	sort.Slice(chosenIDs, func(i, j int) bool { return chosenIDs[i] < chosenIDs[j] })

	summaries := make(map[db.ResourceProviderID]*core.ProviderSummary, len(chosenIDs))
	for _, providerID := range chosenIDs {
		p := w.Providers[providerID]
		summary := &core.ProviderSummary{
			Resources:        make(map[string]core.ProviderResources),
			Traits:           []string{},
			RootProviderUUID: w.Providers[p.RootID].UUID,
		}
		if p.ParentID != nil {
			parentUUID := w.Providers[*p.ParentID].UUID
			summary.ParentProviderUUID = &parentUUID
		}
		for traitID := range p.Traits {
			traitName, err := registries.Traits.NameOf(dbi, traitID)
			if err != nil {
				return result, err
			}
			summary.Traits = append(summary.Traits, traitName)
		}
		sort.Strings(summary.Traits)
		summaries[providerID] = summary
	}

	err := sqlext.ForeachRow(dbi, summaryInventoriesQuery, []any{pq.Array(chosenIDs)}, func(rows *sql.Rows) error {
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
		className, err := registries.ResourceClasses.NameOf(dbi, inv.ResourceClassID)
		if err != nil {
			return err
		}
		summaries[providerID].Resources[className] = core.ProviderResources{
			Capacity: inv.EffectiveCapacity(),
			Used:     used,
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	for _, providerID := range chosenIDs {
		result.ProviderSummaries[w.Providers[providerID].UUID] = *summaries[providerID]
	}
	return result, nil
}
