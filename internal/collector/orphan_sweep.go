// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"
)

// orphanedConsumerGracePeriod is how long a consumer record without any
// allocations is left alone before the sweep removes it. The grace period
// protects writers that delete all allocations and re-commit shortly after:
// their consumer generation must not reset in between.
const orphanedConsumerGracePeriod = 30 * time.Minute

// SweepOrphanedConsumersJob is a jobloop.CronJob.
//
// It removes consumer records that have not held any allocations for a while.
// Consumer records survive the removal of their last allocation so that their
// generation keeps advancing; once no writer has touched them for the grace
// period, they only take up space.
func (c *Collector) SweepOrphanedConsumersJob(registerer prometheus.Registerer) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: "sweep orphaned consumers",
			CounterOpts: prometheus.CounterOpts{
				Name: "horreum_orphaned_consumer_sweeps",
				Help: "Counts sweeps for orphaned consumer records.",
			},
		},
		Interval: 5 * time.Minute,
		Task:     c.sweepOrphanedConsumers,
	}).Setup(registerer)
}

var sweepOrphanedConsumersQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM consumers c
	 WHERE c.updated_at <= $1
	   AND NOT EXISTS (SELECT 1 FROM allocations a WHERE a.consumer_id = c.id)
`)

func (c *Collector) sweepOrphanedConsumers(_ context.Context, _ prometheus.Labels) error {
	maxUpdatedAt := c.MeasureTime().Add(-orphanedConsumerGracePeriod)
	result, err := c.DB.Exec(sweepOrphanedConsumersQuery, maxUpdatedAt)
	if err != nil {
		return fmt.Errorf("while sweeping orphaned consumers: %w", err)
	}
	rowsDeleted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsDeleted > 0 {
		logg.Info("removed %d orphaned consumer records", rowsDeleted)
	}
	return nil
}
