// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChartRenderer writes one chart artifact to a file. Implementations must
// overwrite an existing file at path so re-runs never accumulate copies.
type ChartRenderer interface {
	// Render writes the chart described by title and series to path.
	Render(path, title string, series map[string][]float64) error
}

// SVGRenderer is the default ChartRenderer. It emits a small standalone
// SVG with inline polylines, scaled to the data range. Not a plotting
// library replacement, but enough for report previews and deterministic
// output across runs.
type SVGRenderer struct{}

const (
	svgWidth  = 640
	svgHeight = 360
	svgPad    = 32
)

// Render writes the SVG to path, creating parent directories as needed.
func (SVGRenderer) Render(path, title string, series map[string][]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("chart dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`+"\n", svgWidth, svgHeight)
	fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="white"/>`+"\n")
	fmt.Fprintf(&b, `<text x="%d" y="20" font-family="sans-serif" font-size="14">%s</text>`+"\n", svgPad, escapeXML(title))

	// Stable series order so identical inputs yield identical bytes.
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	palette := []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd", "#8c564b"}
	for i, name := range names {
		values := series[name]
		if len(values) == 0 {
			continue
		}
		color := palette[i%len(palette)]
		fmt.Fprintf(&b, `<polyline fill="none" stroke="%s" stroke-width="1.5" points="%s"/>`+"\n",
			color, polylinePoints(values))
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="11" fill="%s">%s</text>`+"\n",
			svgPad, 40+14*i, color, escapeXML(name))
	}
	b.WriteString("</svg>\n")

	if err := os.WriteFile(path, []byte(b.String()), 0640); err != nil {
		return fmt.Errorf("write chart %s: %w", path, err)
	}
	return nil
}

// polylinePoints maps values onto the plot area, y-min at the bottom.
func polylinePoints(values []float64) string {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}

	w := float64(svgWidth - 2*svgPad)
	h := float64(svgHeight - 2*svgPad)
	step := w
	if len(values) > 1 {
		step = w / float64(len(values)-1)
	}

	var b strings.Builder
	for i, v := range values {
		x := float64(svgPad) + step*float64(i)
		y := float64(svgHeight-svgPad) - h*(v-lo)/span
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.1f,%.1f", x, y)
	}
	return b.String()
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
