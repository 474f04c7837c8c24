// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printField(w io.Writer, label string, format string, args ...interface{}) {
	fmt.Fprintf(w, "  %-18s %s\n", label+":", fmt.Sprintf(format, args...))
}

// table writes tab-separated rows aligned into columns.
func table(w io.Writer, header string, rows []string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, row := range rows {
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}
