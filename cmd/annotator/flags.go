package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/menta2k/mask-annotator/pkg/types"
)

type point struct {
	X, Y float64
}

// parsePoints parses "x,y;x,y" in display coordinates
func parsePoints(s string) ([]point, error) {
	var points []point
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		vals, err := parseFloats(part, 2)
		if err != nil {
			return nil, fmt.Errorf("invalid point %q: %w", part, err)
		}
		points = append(points, point{X: vals[0], Y: vals[1]})
	}
	return points, nil
}

// parseBox parses "x1,y1,x2,y2" into its two corners
func parseBox(s string) ([2]point, error) {
	vals, err := parseFloats(s, 4)
	if err != nil {
		return [2]point{}, fmt.Errorf("invalid box %q: %w", s, err)
	}
	return [2]point{{vals[0], vals[1]}, {vals[2], vals[3]}}, nil
}

// parseDisplay parses "WxH" into a display rectangle at the origin.
// An empty string means the native size.
func parseDisplay(s string, nativeW, nativeH int) (types.DisplayRect, error) {
	if s == "" {
		return types.DisplayRect{Width: float64(nativeW), Height: float64(nativeH)}, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return types.DisplayRect{}, fmt.Errorf("invalid display size %q (want WxH)", s)
	}
	width, err := strconv.ParseFloat(strings.TrimSpace(w), 64)
	if err != nil || width <= 0 {
		return types.DisplayRect{}, fmt.Errorf("invalid display width %q", w)
	}
	height, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err != nil || height <= 0 {
		return types.DisplayRect{}, fmt.Errorf("invalid display height %q", h)
	}
	return types.DisplayRect{Width: width, Height: height}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Split(s, ",")
	if len(fields) != n {
		return nil, fmt.Errorf("want %d comma separated numbers", n)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
