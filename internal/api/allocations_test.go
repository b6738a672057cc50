// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/horreum/internal/test"
)

func TestAllocationLifecycle(t *testing.T) {
	const (
		consumerOne = "11111111-1111-1111-1111-111111111111"
		consumerTwo = "22222222-2222-2222-2222-222222222222"
	)
	s := test.NewSetup(t, test.WithAPIHandler(NewV1API))
	hostA := mustCreateProvider(t, s, "hostA", nil)
	hostB := mustCreateProvider(t, s, "hostB", nil)
	mustSetInventory(t, s, &hostA, "VCPU", simpleInventory(8))
	mustSetInventory(t, s, &hostA, "DISK_GB", simpleInventory(100))
	mustSetInventory(t, s, &hostB, "VCPU", simpleInventory(4))

	// an unknown consumer holds no allocations
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerOne,
		ExpectStatus: 200,
		ExpectBody:   assert.JSONObject{"allocations": assert.JSONObject{}},
	}.Check(t, s.Handler)

	// the first commit creates the consumer (no consumer_generation asserted)
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2, "DISK_GB": 10}},
			},
			"project_id":    "project-one",
			"user_id":       "user-one",
			"consumer_type": "INSTANCE",
		},
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerOne,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2, "DISK_GB": 10}, "generation": 3},
			},
			"consumer_generation": 1,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
	}.Check(t, s.Handler)

	// a replacement commit moves part of the workload to hostB; the provider
	// generation assertion on hostA guards against concurrent inventory edits
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}, "generation": 3},
				hostB.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}},
			},
			"consumer_generation": 1,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerOne,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}, "generation": 4},
				hostB.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}, "generation": 2},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
	}.Check(t, s.Handler)

	// stale consumer generation
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}},
			},
			"consumer_generation": 1,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 409,
		ExpectBody:   assert.StringData(fmt.Sprintf("concurrent update: consumer %q: generation mismatch (current generation is 2)\n", consumerOne)),
	}.Check(t, s.Handler)
	// asserting a generation on a consumer that does not exist yet fails too
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/44444444-4444-4444-4444-444444444444",
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}},
			},
			"consumer_generation": 0,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 409,
		ExpectBody:   assert.StringData("concurrent update: consumer \"44444444-4444-4444-4444-444444444444\": generation mismatch\n"),
	}.Check(t, s.Handler)
	// stale provider generation
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}, "generation": 99},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 409,
		ExpectBody:   assert.StringData(fmt.Sprintf("concurrent update: resource provider %q: generation mismatch (current generation is 4)\n", hostA.UUID)),
	}.Check(t, s.Handler)
	// overcommit is rejected during the commit, not silently accepted
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostB.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 99}},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 409,
		ExpectBody:   assert.StringData(fmt.Sprintf("capacity exceeded: usage 99 of class VCPU on provider %s exceeds the effective capacity 4\n", hostB.UUID)),
	}.Check(t, s.Handler)

	// request validation
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 0}},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 400,
		ExpectBody:   assert.StringData(fmt.Sprintf("validation error: allocated amount for VCPU on provider %q must be positive\n", hostA.UUID)),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{}},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 400,
		ExpectBody:   assert.StringData(fmt.Sprintf("validation error: allocation against provider %q does not name any resources\n", hostA.UUID)),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"CUSTOM_UNSEEN": 1}},
			},
			"consumer_generation": 2,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 404,
		ExpectBody:   assert.StringData("not found: resource class \"CUSTOM_UNSEEN\"\n"),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 1}},
			},
			"consumer_generation": 2,
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 400,
		ExpectBody:   assert.StringData(fmt.Sprintf("validation error: consumer %q does not have a project_id\n", consumerOne)),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/not-a-uuid",
		Body: assert.JSONObject{
			"allocations":   assert.JSONObject{},
			"project_id":    "project-one",
			"user_id":       "user-one",
			"consumer_type": "INSTANCE",
		},
		ExpectStatus: 400,
		ExpectBody:   assert.StringData("validation error: consumer \"not-a-uuid\" is not a valid UUID\n"),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "POST",
		Path:         "/v1/allocations",
		Body:         assert.JSONObject{},
		ExpectStatus: 400,
		ExpectBody:   assert.StringData("validation error: at least one consumer is required\n"),
	}.Check(t, s.Handler)

	// a multi-consumer commit applies atomically; each touched provider
	// advances its generation exactly once
	assert.HTTPRequest{
		Method: "POST",
		Path:   "/v1/allocations",
		Body: assert.JSONObject{
			consumerOne: assert.JSONObject{
				"allocations": assert.JSONObject{
					hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2}},
				},
				"consumer_generation": 2,
				"project_id":          "project-one",
				"user_id":             "user-one",
				"consumer_type":       "INSTANCE",
			},
			consumerTwo: assert.JSONObject{
				"allocations": assert.JSONObject{
					hostB.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2}},
				},
				"project_id":    "project-two",
				"user_id":       "user-two",
				"consumer_type": "MIGRATION",
			},
		},
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerOne,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostA.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2}, "generation": 5},
			},
			"consumer_generation": 3,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerTwo,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations": assert.JSONObject{
				hostB.UUID: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2}, "generation": 3},
			},
			"consumer_generation": 1,
			"project_id":          "project-two",
			"user_id":             "user-two",
			"consumer_type":       "MIGRATION",
		},
	}.Check(t, s.Handler)

	// per-provider view
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/resource_providers/" + hostB.UUID + "/allocations",
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"resource_provider_generation": 3,
			"allocations": assert.JSONObject{
				consumerTwo: assert.JSONObject{"resources": assert.JSONObject{"VCPU": 2}},
			},
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/resource_providers/ffffffff-ffff-ffff-ffff-ffffffffffff/allocations",
		ExpectStatus: 404,
		ExpectBody:   assert.StringData("not found: resource provider \"ffffffff-ffff-ffff-ffff-ffffffffffff\"\n"),
	}.Check(t, s.Handler)

	// usage reporting: the per-provider view lists all inventoried classes,
	// the scoped view only classes with nonzero usage in scope
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/resource_providers/" + hostA.UUID + "/usages",
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"resource_provider_generation": 5,
			"usages":                       assert.JSONObject{"DISK_GB": 0, "VCPU": 2},
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/usages?project_id=project-one",
		ExpectStatus: 200,
		ExpectBody:   assert.JSONObject{"usages": assert.JSONObject{"VCPU": 2}},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/usages?project_id=project-two&user_id=user-two",
		ExpectStatus: 200,
		ExpectBody:   assert.JSONObject{"usages": assert.JSONObject{"VCPU": 2}},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/usages?project_id=project-two&user_id=user-one",
		ExpectStatus: 200,
		ExpectBody:   assert.JSONObject{"usages": assert.JSONObject{}},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/usages",
		ExpectStatus: 400,
		ExpectBody:   assert.StringData("query parameter \"project_id\" is required\n"),
	}.Check(t, s.Handler)

	// committing the empty set releases everything but keeps the consumer
	assert.HTTPRequest{
		Method: "PUT",
		Path:   "/v1/allocations/" + consumerOne,
		Body: assert.JSONObject{
			"allocations":         assert.JSONObject{},
			"consumer_generation": 3,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerOne,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations":         assert.JSONObject{},
			"consumer_generation": 4,
			"project_id":          "project-one",
			"user_id":             "user-one",
			"consumer_type":       "INSTANCE",
		},
	}.Check(t, s.Handler)

	// DELETE releases without asserting the consumer generation
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/v1/allocations/" + consumerTwo,
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/allocations/" + consumerTwo,
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"allocations":         assert.JSONObject{},
			"consumer_generation": 2,
			"project_id":          "project-two",
			"user_id":             "user-two",
			"consumer_type":       "MIGRATION",
		},
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/v1/allocations/" + consumerTwo,
		ExpectStatus: 204,
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "DELETE",
		Path:         "/v1/allocations/33333333-3333-3333-3333-333333333333",
		ExpectStatus: 404,
		ExpectBody:   assert.StringData("not found: consumer \"33333333-3333-3333-3333-333333333333\"\n"),
	}.Check(t, s.Handler)
	assert.HTTPRequest{
		Method:       "GET",
		Path:         "/v1/resource_providers/" + hostB.UUID + "/allocations",
		ExpectStatus: 200,
		ExpectBody: assert.JSONObject{
			"resource_provider_generation": 4,
			"allocations":                  assert.JSONObject{},
		},
	}.Check(t, s.Handler)
}
