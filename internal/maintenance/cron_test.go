// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package maintenance

import (
	"reflect"
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "daily at 3am", expr: "0 3 * * *"},
		{name: "every 15 minutes", expr: "*/15 * * * *"},
		{name: "weekdays", expr: "30 4 * * 1-5"},
		{name: "list", expr: "0,30 * * * *"},
		{name: "stepped range", expr: "0-30/10 * * * *"},
		{name: "sunday as 7", expr: "0 0 * * 7"},
		{name: "too few fields", expr: "0 3 * *", wantErr: true},
		{name: "too many fields", expr: "0 3 * * * *", wantErr: true},
		{name: "minute out of range", expr: "60 3 * * *", wantErr: true},
		{name: "hour out of range", expr: "0 24 * * *", wantErr: true},
		{name: "zero step", expr: "*/0 * * * *", wantErr: true},
		{name: "inverted range", expr: "0 5-1 * * *", wantErr: true},
		{name: "not a number", expr: "a 3 * * *", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestParseSchedule_Fields(t *testing.T) {
	s, err := ParseSchedule("0-30/10 3 * * 7,1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Minutes, []int{0, 10, 20, 30}) {
		t.Errorf("Minutes = %v", s.Minutes)
	}
	if !reflect.DeepEqual(s.DaysOfWeek, []int{0, 1}) {
		t.Errorf("DaysOfWeek = %v", s.DaysOfWeek)
	}
}

func TestSchedule_Next(t *testing.T) {
	// 2026-01-05 is a Monday.
	base := time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{name: "later today", expr: "0 12 * * *", from: base, want: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)},
		{name: "tomorrow", expr: "0 3 * * *", from: base, want: time.Date(2026, 1, 6, 3, 0, 0, 0, time.UTC)},
		{name: "strictly after", expr: "30 10 * * *", from: base, want: time.Date(2026, 1, 6, 10, 30, 0, 0, time.UTC)},
		{name: "every 15 minutes", expr: "*/15 * * * *", from: base, want: time.Date(2026, 1, 5, 10, 45, 0, 0, time.UTC)},
		{name: "next sunday", expr: "0 0 * * 0", from: base, want: time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)},
		{name: "first of month", expr: "0 0 1 * *", from: base, want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{name: "dom or dow", expr: "0 0 15 * 3", from: base, want: time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)},
		{name: "seconds truncated", expr: "31 10 * * *", from: base.Add(45 * time.Second), want: time.Date(2026, 1, 5, 10, 31, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Next(tt.from, nil); !got.Equal(tt.want) {
				t.Errorf("Next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchedule_NextNeverMatches(t *testing.T) {
	s, err := ParseSchedule("0 0 31 2 *")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil); !got.IsZero() {
		t.Errorf("Next() = %v, want zero", got)
	}
}
