// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

// AllocatedResource is one (provider, class, amount) triple within an
// AllocationRequest.
type AllocatedResource struct {
	ProviderUUID  string
	ResourceClass string
	Amount        uint64
}

// AllocationRequest is one candidate: a concrete set of allocations that
// jointly satisfies the request.
type AllocationRequest struct {
	// Allocations is ordered deterministically by (provider UUID, class name).
	Allocations []AllocatedResource
	// Mappings records which providers served each request group, keyed by
	// group suffix.
	Mappings map[string][]string
}

// ProviderResources reports capacity and current usage of one inventory
// within a ProviderSummary. Capacity is the effective capacity, i.e.
// floor((total - reserved) * allocation_ratio).
type ProviderResources struct {
	Capacity uint64 `json:"capacity"`
	Used     uint64 `json:"used"`
}

// ProviderSummary describes one provider that participates in at least one
// AllocationRequest of a result.
type ProviderSummary struct {
	// Resources covers all inventoried classes of the provider, not just the
	// requested ones.
	Resources          map[string]ProviderResources `json:"resources"`
	Traits             []string                     `json:"traits"`
	ParentProviderUUID *string                      `json:"parent_provider_uuid"`
	RootProviderUUID   string                       `json:"root_provider_uuid"`
}

// AllocationCandidates is the result of candidate generation.
//
// ProviderSummaries contains exactly the providers that appear in at least
// one of the AllocationRequests, keyed by provider UUID.
type AllocationCandidates struct {
	AllocationRequests []AllocationRequest
	ProviderSummaries  map[string]ProviderSummary
}
