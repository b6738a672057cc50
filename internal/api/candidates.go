// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/datamodel"
)

// AllocationRequestJSON is one candidate in the response of
// GET /v1/allocation_candidates.
type AllocationRequestJSON struct {
	Allocations map[string]CandidateAllocationJSON `json:"allocations"`
	Mappings    map[string][]string                `json:"mappings"`
}

// CandidateAllocationJSON is one provider's share of an AllocationRequestJSON.
type CandidateAllocationJSON struct {
	Resources map[string]uint64 `json:"resources"`
}

func (p *v1Provider) ListAllocationCandidates(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/allocation_candidates")

	request := core.CandidateRequest{
		Groups:    make(map[string]core.RequestGroup),
		Randomize: p.randomizeCandidates,
	}
	groupFor := func(suffix string) (core.RequestGroup, bool) {
		if suffix != "" && !core.GroupSuffixRx.MatchString(suffix) {
			return core.RequestGroup{}, false
		}
		group, exists := request.Groups[suffix]
		if !exists {
			group.UseSameProvider = suffix != ""
		}
		return group, true
	}

	for key, values := range r.URL.Query() {
		var err error
		switch {
		case key == "in_tree":
			request.TreeRoot = values[0]
		case key == "group_policy":
			request.GroupPolicy = core.GroupPolicy(values[0])
		case key == "limit":
			request.Limit, err = strconv.ParseUint(values[0], 10, 32)
			if err != nil {
				http.Error(w, `query parameter "limit" must be a non-negative integer`, http.StatusBadRequest)
				return
			}
		case strings.HasPrefix(key, "resources"):
			group, ok := groupFor(strings.TrimPrefix(key, "resources"))
			if !ok || len(values) > 1 {
				http.Error(w, fmt.Sprintf("invalid query parameter %q", key), http.StatusBadRequest)
				return
			}
			group.Resources, err = parseResourcesParam(values[0])
			if respondWithEngineError(w, err) {
				return
			}
			request.Groups[strings.TrimPrefix(key, "resources")] = group
		case strings.HasPrefix(key, "required"):
			suffix := strings.TrimPrefix(key, "required")
			group, ok := groupFor(suffix)
			if !ok {
				http.Error(w, fmt.Sprintf("invalid query parameter %q", key), http.StatusBadRequest)
				return
			}
			group.RequiredTraits, group.ForbiddenTraits, err = parseRequiredParams(values)
			if respondWithEngineError(w, err) {
				return
			}
			request.Groups[suffix] = group
		case strings.HasPrefix(key, "member_of"):
			suffix := strings.TrimPrefix(key, "member_of")
			group, ok := groupFor(suffix)
			if !ok {
				http.Error(w, fmt.Sprintf("invalid query parameter %q", key), http.StatusBadRequest)
				return
			}
			group.MemberOf, group.ForbiddenAggregates, err = parseMemberOfParams(values)
			if respondWithEngineError(w, err) {
				return
			}
			request.Groups[suffix] = group
		default:
			http.Error(w, fmt.Sprintf("unknown query parameter %q", key), http.StatusBadRequest)
			return
		}
	}

	result, err := datamodel.GetAllocationCandidates(r.Context(), p.DB, p.Registries, request)
	if respondWithEngineError(w, err) {
		return
	}

	requests := make([]AllocationRequestJSON, len(result.AllocationRequests))
	for idx, request := range result.AllocationRequests {
		rendered := AllocationRequestJSON{
			Allocations: make(map[string]CandidateAllocationJSON, len(request.Allocations)),
			Mappings:    request.Mappings,
		}
		for _, alloc := range request.Allocations {
			entry := rendered.Allocations[alloc.ProviderUUID]
			if entry.Resources == nil {
				entry.Resources = make(map[string]uint64)
			}
			entry.Resources[alloc.ResourceClass] = alloc.Amount
			rendered.Allocations[alloc.ProviderUUID] = entry
		}
		requests[idx] = rendered
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"allocation_requests": requests,
		"provider_summaries":  result.ProviderSummaries,
	})
}
