package core

import (
	"testing"
	"time"
)

func TestDayUTC(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "utc afternoon",
			in:   time.Date(2026, time.March, 2, 15, 30, 0, 0, time.UTC),
			want: day(2026, time.March, 2),
		},
		{
			// 00:30 on March 3 in Tokyo is still March 2 in UTC clock time,
			// but the calendar day key follows the local wall date.
			name: "tokyo early morning keeps local date",
			in:   time.Date(2026, time.March, 3, 0, 30, 0, 0, tokyo),
			want: day(2026, time.March, 3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DayUTC(tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("DayUTC() = %v, want %v", got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("DayUTC() location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestSameDay(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{
			name: "identical days",
			a:    day(2026, time.March, 2),
			b:    time.Date(2026, time.March, 2, 23, 59, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "different days",
			a:    day(2026, time.March, 2),
			b:    day(2026, time.March, 3),
			want: false,
		},
		{
			// Each side is judged by its own wall date, not a shared instant.
			name: "cross zone wall dates match",
			a:    time.Date(2026, time.March, 3, 1, 0, 0, 0, tokyo),
			b:    time.Date(2026, time.March, 3, 20, 0, 0, 0, time.UTC),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameDay(tt.a, tt.b); got != tt.want {
				t.Errorf("SameDay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same day", day(2026, time.March, 2), day(2026, time.March, 2), 0},
		{"one day forward", day(2026, time.March, 2), day(2026, time.March, 3), 1},
		{"backward", day(2026, time.March, 3), day(2026, time.March, 2), -1},
		{"across month boundary", day(2026, time.February, 27), day(2026, time.March, 2), 3},
		{
			"partial hours still count whole days",
			time.Date(2026, time.March, 2, 23, 0, 0, 0, time.UTC),
			time.Date(2026, time.March, 3, 1, 0, 0, 0, time.UTC),
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysBetween(tt.a, tt.b); got != tt.want {
				t.Errorf("DaysBetween() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseFormatDay(t *testing.T) {
	d, err := ParseDay("2026-03-02")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	if !d.Equal(day(2026, time.March, 2)) {
		t.Errorf("ParseDay = %v, want %v", d, day(2026, time.March, 2))
	}
	if got := FormatDay(d); got != "2026-03-02" {
		t.Errorf("FormatDay = %q, want %q", got, "2026-03-02")
	}

	if _, err := ParseDay("03/02/2026"); err == nil {
		t.Error("ParseDay accepted a non ISO date")
	}
}

func TestNextDay(t *testing.T) {
	got := NextDay(day(2026, time.February, 28))
	if !got.Equal(day(2026, time.March, 1)) {
		t.Errorf("NextDay = %v, want %v", got, day(2026, time.March, 1))
	}
}
