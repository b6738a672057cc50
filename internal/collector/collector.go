// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"time"

	"github.com/go-gorp/gorp/v3"
)

// Collector provides the maintenance jobs performed by the janitor task.
// It bundles everything that needs to be replaced by a mock implementation
// for the jobs' unit tests.
type Collector struct {
	DB *gorp.DbMap
	// Usually time.Now, but can be changed inside unit tests.
	MeasureTime func() time.Time
}

// NewCollector creates a Collector instance.
func NewCollector(dbm *gorp.DbMap) *Collector {
	return &Collector{
		DB:          dbm,
		MeasureTime: time.Now,
	}
}
