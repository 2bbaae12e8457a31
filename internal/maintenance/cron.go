// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package maintenance

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type Schedule struct {
	Minutes     []int // 0-59
	Hours       []int // 0-23
	DaysOfMonth []int // 1-31
	Months      []int // 1-12
	DaysOfWeek  []int // 0-6 (0 = Sunday)
}

// ParseSchedule parses a standard 5-field cron expression.
//
// Supported syntax: *, n, n-m, lists (n,m,o), */n and n-m/s.
//
//   - "0 3 * * *" - daily at 03:00
//   - "*/15 * * * *" - every 15 minutes
//   - "30 4 * * 1" - Mondays at 04:30
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	specs := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 7},
	}

	parsed := make([][]int, len(specs))
	for i, spec := range specs {
		values, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		parsed[i] = values
	}

	// 7 is an alias for Sunday.
	dow := make([]int, 0, len(parsed[4]))
	for _, d := range parsed[4] {
		if d == 7 {
			d = 0
		}
		dow = append(dow, d)
	}

	return &Schedule{
		Minutes:     parsed[0],
		Hours:       parsed[1],
		DaysOfMonth: parsed[2],
		Months:      parsed[3],
		DaysOfWeek:  uniqueInts(dow),
	}, nil
}

// Next returns the first matching minute strictly after the given time,
// evaluated in loc (UTC when nil). It returns the zero time when nothing
// matches within four years, e.g. "0 0 31 2 *".
func (s *Schedule) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Add(time.Minute)
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)

	const maxIterations = 365 * 24 * 60 * 4
	for i := 0; i < maxIterations; i++ {
		if s.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func (s *Schedule) matches(t time.Time) bool {
	if !containsInt(s.Minutes, t.Minute()) || !containsInt(s.Hours, t.Hour()) || !containsInt(s.Months, int(t.Month())) {
		return false
	}

	// Day-of-month and day-of-week are OR'd when both are restricted.
	domMatch := containsInt(s.DaysOfMonth, t.Day())
	dowMatch := containsInt(s.DaysOfWeek, int(t.Weekday()))
	domWildcard := len(s.DaysOfMonth) == 31
	dowWildcard := len(s.DaysOfWeek) == 7

	switch {
	case domWildcard && dowWildcard:
		return true
	case domWildcard:
		return dowMatch
	case dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

func parseField(field string, minVal, maxVal int) ([]int, error) {
	if field == "*" {
		return rangeInts(minVal, maxVal), nil
	}

	var result []int
	for _, part := range strings.Split(field, ",") {
		values, err := parseFieldPart(part, minVal, maxVal)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}
	return uniqueInts(result), nil
}

func parseFieldPart(part string, minVal, maxVal int) ([]int, error) {
	base, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value: %s", stepStr)
		}
	}

	var start, end int
	switch {
	case base == "*":
		start, end = minVal, maxVal
	case strings.Contains(base, "-"):
		lo, hi, _ := strings.Cut(base, "-")
		var err error
		if start, err = strconv.Atoi(lo); err != nil {
			return nil, fmt.Errorf("invalid range start: %s", lo)
		}
		if end, err = strconv.Atoi(hi); err != nil {
			return nil, fmt.Errorf("invalid range end: %s", hi)
		}
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", base)
		}
		start, end = v, v
		if hasStep {
			end = maxVal
		}
	}

	if start > end || start < minVal || end > maxVal {
		return nil, fmt.Errorf("value out of range: %d-%d (min=%d, max=%d)", start, end, minVal, maxVal)
	}

	result := make([]int, 0, (end-start)/step+1)
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

func rangeInts(start, end int) []int {
	result := make([]int, end-start+1)
	for i := range result {
		result[i] = start + i
	}
	return result
}

func containsInt(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// uniqueInts removes duplicates and sorts.
func uniqueInts(slice []int) []int {
	seen := make(map[int]bool, len(slice))
	result := make([]int, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	sort.Ints(result)
	return result
}
