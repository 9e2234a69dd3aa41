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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
)

func newRouteCmd(g *globalFlags) *cobra.Command {
	var callID string
	var entities map[string]string
	cmd := &cobra.Command{
		Use:   "route <tenant> <utterance...>",
		Short: "Route one utterance through Tier1 and Tier2 offline",
		Long: `Route loads the catalog and runs the cascade locally with the hashing
embedder for Tier2. Tier3 is never called, so no cost is incurred.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := routing.RouteRequest{
				TenantID:  args[0],
				CallID:    callID,
				Utterance: strings.Join(args[1:], " "),
			}
			if len(entities) > 0 {
				req.Entities = make(map[string]any, len(entities))
				for k, v := range entities {
					req.Entities[k] = v
				}
			}
			return runRoute(cmd.Context(), g, cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().StringVar(&callID, "call-id", "intentctl", "Call id for session state")
	cmd.Flags().StringToStringVar(&entities, "entity", nil, "Session entity key=value (repeatable)")
	return cmd
}

func runRoute(ctx context.Context, g *globalFlags, w io.Writer, req routing.RouteRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := config.NewStore(g.catalog, logger)
	if err != nil {
		return err
	}
	defaults := config.MustLoadEngineDefaults()
	router, err := routing.NewRouter(routing.Options{
		Store:    store,
		Defaults: defaults,
		Tier2:    routing.NewSemanticMatcher(routing.NewHashingEmbedder(defaults.Tier2.Dimensions), nil, logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	res, routeErr := router.Route(ctx, req)
	out := struct {
		routing.MatchResult
		ScenarioID string `json:"scenario_id,omitempty"`
		Error      string `json:"error,omitempty"`
	}{MatchResult: res, ScenarioID: res.ScenarioID()}
	if routeErr != nil {
		out.Error = routeErr.Error()
	}

	err = g.render(w, out, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "tenant\t%s\n", req.TenantID)
		fmt.Fprintf(tw, "matched\t%t\n", res.Matched)
		fmt.Fprintf(tw, "tier\t%d\n", res.Tier)
		fmt.Fprintf(tw, "method\t%s\n", res.Method)
		fmt.Fprintf(tw, "scenario\t%s\n", res.ScenarioID())
		fmt.Fprintf(tw, "category\t%s\n", res.Category)
		fmt.Fprintf(tw, "confidence\t%.3f\n", res.Confidence)
		fmt.Fprintf(tw, "reply\t%s\n", res.Reply)
		fmt.Fprintf(tw, "latency\t%s\n", time.Duration(res.LatencyMs)*time.Millisecond)
		if routeErr != nil {
			fmt.Fprintf(tw, "error\t%s\n", routeErr)
		}
	})
	if err != nil {
		return err
	}
	return routeErr
}
