// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intentctl is the operator CLI for the intent cascade.
//
// It works directly on a catalog file and the ledger BadgerDB, without a
// running intentd:
//
//	intentctl validate --catalog catalog.yaml
//	intentctl route acme "my thermostat is broken" --catalog catalog.yaml
//	intentctl ledger dump acme --ledger-dir ~/.aleutian/intent
//	intentctl cache dump --ledger-dir ~/.aleutian/intent
//
// Output is a table on a terminal and JSON otherwise; --output overrides.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Output formats.
const (
	outputAuto  = "auto"
	outputTable = "table"
	outputJSON  = "json"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	catalog   string
	ledgerDir string
	output    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "intentctl",
		Short:         "Inspect and exercise the intent cascade",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.catalog, "catalog", envOr("INTENT_CATALOG_PATH", "catalog.yaml"), "Catalog YAML file")
	root.PersistentFlags().StringVar(&g.ledgerDir, "ledger-dir", os.Getenv("INTENT_LEDGER_DIR"), "Ledger BadgerDB directory (default ~/.aleutian/intent)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", outputAuto, "Output format: auto, table or json")

	root.AddCommand(
		newRouteCmd(g),
		newValidateCmd(g),
		newLedgerCmd(g),
		newCacheCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// resolveLedgerDir applies the ~/.aleutian/intent default.
func (g *globalFlags) resolveLedgerDir() (string, error) {
	if g.ledgerDir != "" {
		return g.ledgerDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "intent"), nil
}

// format picks the output format. auto means a table when w is a terminal.
func (g *globalFlags) format(w io.Writer) string {
	switch g.output {
	case outputTable, outputJSON:
		return g.output
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return outputTable
	}
	return outputJSON
}

// render writes v as indented JSON, or calls table with a tabwriter.
func (g *globalFlags) render(w io.Writer, v any, table func(tw *tabwriter.Writer)) error {
	if g.format(w) == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}
