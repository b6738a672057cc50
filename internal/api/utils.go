// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/sapcc/go-bits/must"

	"github.com/sapcc/horreum/internal/core"
)

// GenerateProviderUUID generates a random UUID for a resource provider that
// was created without one.
func GenerateProviderUUID() string {
	// UUID generation will only raise an error if reading from /dev/urandom fails,
	// which is a wildly unexpected OS-level error and thus fine as a fatal error
	return must.Return(uuid.NewV4()).String()
}

// parseMemberOfParams parses all occurrences of the `member_of` query
// parameter. Each occurrence takes one of the forms `<uuid>`, `in:<uuid>,...`
// (at least one of these), `!<uuid>` or `!in:<uuid>,...` (none of these).
// Positive occurrences combine with AND.
func parseMemberOfParams(values []string) (memberOf [][]string, forbidden []string, err error) {
	for _, value := range values {
		negated := strings.HasPrefix(value, "!")
		value = strings.TrimPrefix(value, "!")
		var uuids []string
		if after, found := strings.CutPrefix(value, "in:"); found {
			uuids = strings.Split(after, ",")
		} else {
			uuids = []string{value}
		}
		for idx, aggregateUUID := range uuids {
			uuids[idx], err = core.ParseUUID("aggregate", aggregateUUID)
			if err != nil {
				return nil, nil, err
			}
		}
		if negated {
			forbidden = append(forbidden, uuids...)
		} else {
			memberOf = append(memberOf, uuids)
		}
	}
	return memberOf, forbidden, nil
}

// parseRequiredParams parses all occurrences of the `required` query
// parameter. Each occurrence is a comma-separated list of trait names;
// names carrying a `!` prefix are forbidden instead of required.
func parseRequiredParams(values []string) (required, forbidden []string, err error) {
	for _, value := range values {
		for _, traitName := range strings.Split(value, ",") {
			negated := strings.HasPrefix(traitName, "!")
			traitName = strings.TrimPrefix(traitName, "!")
			err := core.ValidateSymbolName("trait", traitName)
			if err != nil {
				return nil, nil, err
			}
			if negated {
				forbidden = append(forbidden, traitName)
			} else {
				required = append(required, traitName)
			}
		}
	}
	return required, forbidden, nil
}

// parseResourcesParam parses the `resources` query parameter: a
// comma-separated list of `<class_name>:<amount>` entries.
func parseResourcesParam(value string) (map[string]uint64, error) {
	result := make(map[string]uint64)
	for _, entry := range strings.Split(value, ",") {
		className, amountStr, found := strings.Cut(entry, ":")
		if !found {
			return nil, core.ValidationError("invalid resources entry %q: expected the format <class_name>:<amount>", entry)
		}
		err := core.ValidateSymbolName("resource class", className)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseUint(amountStr, 10, 64)
		if err != nil || amount == 0 {
			return nil, core.ValidationError("invalid resources entry %q: amount must be a positive integer", entry)
		}
		if _, exists := result[className]; exists {
			return nil, core.ValidationError("invalid resources entry %q: class appears multiple times", entry)
		}
		result[className] = amount
	}
	return result, nil
}
