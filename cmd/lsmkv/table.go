package main

import (
	"fmt"
	"io"
	"strings"
)

// maxColumnWidth caps a column for readability.
const maxColumnWidth = 50

// printTable prints rows in DuckDB-style box format
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(headers) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	for i := range widths {
		if widths[i] > maxColumnWidth {
			widths[i] = maxColumnWidth
		}
	}

	printBoxLine(w, widths, "┌", "┬", "┐")
	printRow(w, widths, headers)
	printBoxLine(w, widths, "├", "┼", "┤")
	for _, row := range rows {
		printRow(w, widths, row)
	}
	printBoxLine(w, widths, "└", "┴", "┘")
}

func printRow(w io.Writer, widths []int, row []string) {
	var b strings.Builder
	b.WriteString("│")
	for i := range widths {
		cell := ""
		if i < len(row) {
			cell = row[i]
		}
		fmt.Fprintf(&b, " %-*s │", widths[i], truncate(cell, widths[i]))
	}
	fmt.Fprintln(w, b.String())
}

func printBoxLine(w io.Writer, widths []int, left, mid, right string) {
	var b strings.Builder
	b.WriteString(left)
	for i, width := range widths {
		b.WriteString(strings.Repeat("─", width+2))
		if i < len(widths)-1 {
			b.WriteString(mid)
		}
	}
	b.WriteString(right)
	fmt.Fprintln(w, b.String())
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
