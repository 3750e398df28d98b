package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

const (
	outputJSON  = "json"
	outputTable = "table"
)

// render prints v as indented JSON, or as a table when --output table is
// set and the command supplies rows.
func (a *app) render(w io.Writer, v any, header []string, rows [][]string) error {
	if a.output == outputTable && header != nil {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No results.")
			return nil
		}
		table := tablewriter.NewWriter(w)
		table.SetHeader(header)
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.AppendBulk(rows)
		table.Render()
		return nil
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprintf(w, "✓ "+format+"\n", args...)
}

func warning(w io.Writer, format string, args ...any) {
	color.New(color.FgYellow).Fprintf(w, "⚠ "+format+"\n", args...)
}

func cents(v int64) string {
	return strconv.FormatInt(v, 10)
}

// dollars formats cents as a dollar amount.
func dollars(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
