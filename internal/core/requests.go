// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"regexp"
	"sort"
)

// GroupPolicy controls how providers chosen by different granular request
// groups may relate to each other within one candidate.
type GroupPolicy string

const (
	// GroupPolicyNone places no distinctness constraint on the providers chosen
	// by different granular groups.
	GroupPolicyNone GroupPolicy = "none"
	// GroupPolicyIsolate requires that each granular group is served by a
	// provider that no other granular group uses.
	GroupPolicyIsolate GroupPolicy = "isolate"
)

// GroupSuffixRx is the accepted shape for request group suffixes. The
// unnumbered group uses the empty suffix instead.
var GroupSuffixRx = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// RequestGroup is one group within a candidate request. All resources, trait
// constraints and aggregate constraints within a group apply together.
type RequestGroup struct {
	// Resources maps resource class names to requested amounts.
	Resources map[string]uint64
	// RequiredTraits lists traits that must be present (see UseSameProvider
	// for where they may be attached).
	RequiredTraits []string
	// ForbiddenTraits lists traits that eliminate a provider from this group.
	ForbiddenTraits []string
	// MemberOf restricts providers by aggregate membership: AND across the
	// outer list, OR within each inner list.
	MemberOf [][]string
	// ForbiddenAggregates lists aggregates whose members are excluded.
	ForbiddenAggregates []string
	// UseSameProvider decides the matching mode: true means all resources of
	// this group must come from one single provider; false means they may be
	// split across one provider tree and its reachable sharing providers.
	UseSameProvider bool
}

// CandidateRequest is the fully parsed input for candidate generation.
type CandidateRequest struct {
	// Groups maps group suffixes to their request groups. The empty suffix
	// denotes the unnumbered group.
	Groups map[string]RequestGroup
	// Limit caps the number of returned allocation requests (0 = no limit).
	Limit uint64
	// GroupPolicy is required when more than one granular group is present.
	GroupPolicy GroupPolicy
	// TreeRoot optionally restricts matching to the tree anchored at the
	// provider with this UUID.
	TreeRoot string
	// Randomize samples uniformly from the candidate set instead of returning
	// candidates in deterministic order.
	Randomize bool
}

// GranularGroupCount counts the groups with UseSameProvider set.
func (r CandidateRequest) GranularGroupCount() int {
	count := 0
	for _, group := range r.Groups {
		if group.UseSameProvider {
			count++
		}
	}
	return count
}

// SortedSuffixes returns all group suffixes in deterministic order, with the
// unnumbered group first.
func (r CandidateRequest) SortedSuffixes() []string {
	suffixes := make([]string, 0, len(r.Groups))
	for suffix := range r.Groups {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)
	return suffixes
}

// Validate checks the request invariants that do not require database access.
func (r CandidateRequest) Validate() error {
	if len(r.Groups) == 0 {
		return ValidationError("at least one request group is required")
	}
	for suffix, group := range r.Groups {
		if suffix != "" && !GroupSuffixRx.MatchString(suffix) {
			return ValidationError("group suffix %q does not match /%s/", suffix, GroupSuffixRx.String())
		}
		if len(group.Resources) == 0 {
			return ValidationError("request group %q does not name any resources", suffix)
		}
		for className, amount := range group.Resources {
			if amount == 0 {
				return ValidationError("requested amount for %s in group %q must be positive", className, suffix)
			}
		}
		for _, innerSet := range group.MemberOf {
			if len(innerSet) == 0 {
				return ValidationError("group %q contains an empty member_of aggregate set", suffix)
			}
		}
	}
	switch r.GroupPolicy {
	case GroupPolicyNone, GroupPolicyIsolate:
		// ok
	case "":
		if r.GranularGroupCount() > 1 {
			return ValidationError("group_policy is required when more than one granular group is present")
		}
	default:
		return ValidationError("invalid group_policy %q", string(r.GroupPolicy))
	}
	return nil
}

// CommitAllocation is the desired end state of one consumer's allocations
// against one provider, as part of a CommitConsumer.
type CommitAllocation struct {
	// ProviderGeneration, if set, is asserted against the provider's current
	// generation before any rows are written.
	ProviderGeneration *int32
	// Resources maps resource class names to allocated amounts.
	Resources map[string]uint64
}

// CommitConsumer describes the desired end state for all allocations of one
// consumer. An empty Allocations map removes all allocations of the consumer.
type CommitConsumer struct {
	UUID string
	// ConsumerGeneration is asserted against the consumer's current
	// generation. It must be nil if and only if the consumer does not exist
	// yet.
	ConsumerGeneration *int32
	ProjectID          string
	UserID             string
	ConsumerType       string
	// Allocations maps provider UUIDs to the allocations placed on them.
	Allocations map[string]CommitAllocation
}

// ValidateCommit checks the invariants of a commit request that do not
// require database access.
func ValidateCommit(consumers []CommitConsumer) error {
	if len(consumers) == 0 {
		return ValidationError("at least one consumer is required")
	}
	seen := make(map[string]bool, len(consumers))
	for _, consumer := range consumers {
		if _, err := ParseUUID("consumer", consumer.UUID); err != nil {
			return err
		}
		if seen[consumer.UUID] {
			return ValidationError("consumer %q appears multiple times in one commit", consumer.UUID)
		}
		seen[consumer.UUID] = true
		if consumer.ProjectID == "" {
			return ValidationError("consumer %q does not have a project_id", consumer.UUID)
		}
		if consumer.UserID == "" {
			return ValidationError("consumer %q does not have a user_id", consumer.UUID)
		}
		if err := ValidateSymbolName("consumer type", consumer.ConsumerType); err != nil {
			return err
		}
		for providerUUID, alloc := range consumer.Allocations {
			if _, err := ParseUUID("resource provider", providerUUID); err != nil {
				return err
			}
			if len(alloc.Resources) == 0 {
				return ValidationError("allocation against provider %q does not name any resources", providerUUID)
			}
			for className, amount := range alloc.Resources {
				if amount == 0 {
					return ValidationError("allocated amount for %s on provider %q must be positive", className, providerUUID)
				}
			}
		}
	}
	return nil
}
