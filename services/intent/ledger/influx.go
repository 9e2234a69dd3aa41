// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// influxMeasurement is the measurement name for daily tenant aggregates.
const influxMeasurement = "intent_ledger"

// InfluxSink mirrors ledger entries into InfluxDB for cost dashboards.
//
// One point per write, tagged by tenant and date, timestamped with the
// entry's UpdatedAt. Points for the same tenant-day overwrite each other on
// the InfluxDB side only if timestamps collide, so dashboards should take the
// last value per day.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// NewInfluxSink connects to an InfluxDB 2.x server.
func NewInfluxSink(serverURL, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(serverURL, token)
	return &InfluxSink{client: client, writer: client.WriteAPIBlocking(org, bucket)}
}

// WriteEntry implements Mirror.
func (s *InfluxSink) WriteEntry(ctx context.Context, e Entry) error {
	ts := e.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(influxMeasurement,
		map[string]string{"tenant_id": e.TenantID, "date": e.Date},
		map[string]interface{}{
			"triggered":      e.TriggeredCount,
			"used":           e.UsedCount,
			"cancelled":      e.CancelledCount,
			"failed":         e.FailedCount,
			"tier3_calls":    e.Tier3Calls,
			"total_cost_usd": e.TotalCostUSD,
			"late_cost_usd":  e.LateCostUSD,
			"hit_rate":       e.HitRate(),
		},
		ts,
	)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close releases the client's resources.
func (s *InfluxSink) Close() {
	s.client.Close()
}
