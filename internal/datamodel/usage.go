// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"database/sql"
	"fmt"

	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

var providerUsagesQuery = sqlext.SimplifyWhitespace(`
	SELECT i.resource_class_id, COALESCE(SUM(a.used), 0)
	  FROM inventories i
	  LEFT OUTER JOIN allocations a ON a.resource_provider_id = i.resource_provider_id
	                               AND a.resource_class_id = i.resource_class_id
	 WHERE i.resource_provider_id = $1
	 GROUP BY i.resource_class_id
`)

// GetProviderUsages reports the summed-up usage for each inventoried class of
// the given provider. Classes without allocations report zero usage.
func GetProviderUsages(dbi db.Interface, registries *core.Registries, providerID db.ResourceProviderID) (map[string]uint64, error) {
	result := make(map[string]uint64)
	err := sqlext.ForeachRow(dbi, providerUsagesQuery, []any{providerID}, func(rows *sql.Rows) error {
		var (
			classID db.ResourceClassID
			used    uint64
		)
		err := rows.Scan(&classID, &used)
		if err != nil {
			return err
		}
		className, err := registries.ResourceClasses.NameOf(dbi, classID)
		if err != nil {
			return err
		}
		result[className] = used
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while reading provider usages: %w", err)
	}
	return result, nil
}

var scopedUsagesQuery = sqlext.SimplifyWhitespace(`
	SELECT a.resource_class_id, SUM(a.used)
	  FROM allocations a
	  JOIN consumers c ON c.id = a.consumer_id
	  JOIN projects p ON p.id = c.project_id
	  JOIN users u ON u.id = c.user_id
	 WHERE p.external_id = $1 AND ($2 = '' OR u.external_id = $2)
	 GROUP BY a.resource_class_id
`)

// GetScopedUsages reports the summed-up usage per resource class across all
// allocations of the given project, optionally restricted to one user.
func GetScopedUsages(dbi db.Interface, registries *core.Registries, projectID, userID string) (map[string]uint64, error) {
	result := make(map[string]uint64)
	err := sqlext.ForeachRow(dbi, scopedUsagesQuery, []any{projectID, userID}, func(rows *sql.Rows) error {
		var (
			classID db.ResourceClassID
			used    uint64
		)
		err := rows.Scan(&classID, &used)
		if err != nil {
			return err
		}
		className, err := registries.ResourceClasses.NameOf(dbi, classID)
		if err != nil {
			return err
		}
		result[className] = used
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("while reading scoped usages: %w", err)
	}
	return result, nil
}
