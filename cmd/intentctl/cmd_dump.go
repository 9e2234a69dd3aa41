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
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
	badgerstore "github.com/AleutianAI/intentcascade/services/intent/storage/badger"
)

// openReadOnly opens the ledger DB for dump commands.
func openReadOnly(g *globalFlags) (*badgerstore.DB, error) {
	dir, err := g.resolveLedgerDir()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("ledger directory %s: %w", dir, err)
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = dir
	cfg.ReadOnly = true
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return badgerstore.OpenDB(cfg)
}

// =============================================================================
// ledger dump
// =============================================================================

// ledgerDump is the JSON shape of `ledger dump`.
type ledgerDump struct {
	TenantID string                  `json:"tenant_id"`
	Entries  []ledger.Entry          `json:"entries"`
	Patterns []ledger.LearnedPattern `json:"patterns,omitempty"`
}

func newLedgerCmd(g *globalFlags) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the persisted budget and learning ledger",
	}
	var withPatterns bool
	dump := &cobra.Command{
		Use:   "dump [tenant...]",
		Short: "Print persisted daily entries (all tenants when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerDump(cmd.Context(), g, cmd.OutOrStdout(), args, withPatterns)
		},
	}
	dump.Flags().BoolVar(&withPatterns, "patterns", false, "Include promoted learned patterns")
	ledgerCmd.AddCommand(dump)
	return ledgerCmd
}

func runLedgerDump(ctx context.Context, g *globalFlags, w io.Writer, tenants []string, withPatterns bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openReadOnly(g)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	store := ledger.NewBadgerStore(db, nil)

	if len(tenants) == 0 {
		if tenants, err = store.LedgerTenants(ctx); err != nil {
			return err
		}
	}

	dumps := make([]ledgerDump, 0, len(tenants))
	for _, t := range tenants {
		entries, err := store.LoadLedgerEntries(ctx, t)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", t, err)
		}
		d := ledgerDump{TenantID: t, Entries: entries}
		if withPatterns {
			if d.Patterns, err = store.ListPatterns(ctx, t); err != nil {
				return fmt.Errorf("tenant %s patterns: %w", t, err)
			}
		}
		dumps = append(dumps, d)
	}

	return g.render(w, dumps, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "TENANT\tDATE\tTRIGGERED\tUSED\tCANCELLED\tFAILED\tHIT RATE\tTIER3\tCOST\tLATE")
		for _, d := range dumps {
			for _, e := range d.Entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.2f\t%d\t$%.4f\t$%.4f\n",
					e.TenantID, e.Date, e.TriggeredCount, e.UsedCount, e.CancelledCount, e.FailedCount,
					e.HitRate(), e.Tier3Calls, e.TotalCostUSD, e.LateCostUSD)
			}
		}
		if !withPatterns {
			return
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TENANT\tSCENARIO\tPHRASE\tCONFIDENCE\tREPEATS\tDISCOVERED")
		for _, d := range dumps {
			for _, p := range d.Patterns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%s\n",
					p.TenantID, p.ScenarioID, p.Phrase, p.Confidence, p.Repeats, p.DiscoveredAt.Format(time.DateOnly))
			}
		}
	})
}

// =============================================================================
// cache dump
// =============================================================================

func newCacheCmd(g *globalFlags) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted Tier2 vector cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print one row per cached scenario vector set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCacheDump(cmd.Context(), g, cmd.OutOrStdout())
		},
	})
	return cacheCmd
}

func runCacheDump(ctx context.Context, g *globalFlags, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openReadOnly(g)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	entries, err := routing.NewBadgerVectorStore(db, 0, nil).Entries(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []routing.VectorCacheEntry{}
	}

	return g.render(w, entries, func(tw *tabwriter.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(tw, "Vector cache is empty.")
			return
		}
		fmt.Fprintln(tw, "CORPUS\tSCENARIOS\tVECTORS\tDIMS\tSIZE\tEXPIRES IN")
		now := time.Now()
		for _, e := range entries {
			expires := "never"
			if !e.ExpiresAt.IsZero() {
				expires = e.ExpiresAt.Sub(now).Round(time.Minute).String()
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
				shortCorpus(e.CorpusHash), e.Scenarios, e.Vectors, e.Dimensions, e.SizeBytes, expires)
		}
	})
}

func shortCorpus(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
