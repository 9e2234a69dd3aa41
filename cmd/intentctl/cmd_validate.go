// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
)

// tenantReport is one row of validate output.
type tenantReport struct {
	TenantID  string  `json:"tenant_id"`
	Version   int     `json:"version"`
	Scenarios int     `json:"scenarios"`
	Tier1     float64 `json:"tier1_threshold"`
	Tier2     float64 `json:"tier2_threshold"`
	Warmup    float64 `json:"warmup_trigger"`
	BudgetUSD float64 `json:"daily_budget_usd"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the catalog and every tenant's effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.Context(), g, cmd.OutOrStdout())
		},
	}
}

func runValidate(ctx context.Context, g *globalFlags, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := config.NewStore(g.catalog, logger)
	if err != nil {
		return err
	}
	router, err := routing.NewRouter(routing.Options{
		Store:    store,
		Defaults: config.MustLoadEngineDefaults(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var reports []tenantReport
	failed := 0
	for _, id := range store.Snapshot().Catalog.TenantIDs() {
		r := tenantReport{TenantID: id, OK: true}
		eff, pool, err := router.Resolve(ctx, id)
		if err != nil {
			r.OK = false
			r.Error = err.Error()
			failed++
		} else {
			r.Version = eff.Version
			r.Scenarios = pool.Len()
			r.Tier1 = eff.Thresholds.Tier1
			r.Tier2 = eff.Thresholds.Tier2
			r.Warmup = eff.Thresholds.WarmupTrigger
			r.BudgetUSD = eff.DailyBudgetUSD
		}
		reports = append(reports, r)
	}

	err = g.render(w, reports, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "TENANT\tVERSION\tSCENARIOS\tTIER1\tTIER2\tWARMUP\tBUDGET\tSTATUS")
		for _, r := range reports {
			status := "ok"
			if !r.OK {
				status = r.Error
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t$%.2f\t%s\n",
				r.TenantID, r.Version, r.Scenarios, r.Tier1, r.Tier2, r.Warmup, r.BudgetUSD, status)
		}
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenants invalid", failed, len(reports))
	}
	return nil
}
