package conditions

import (
	"errors"
	"testing"
	"time"

	"github.com/wolfman30/autoreply/internal/apperr"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, time.March, 4, hour, minute, 0, 0, time.UTC)
}

func TestIsWithinActiveHours(t *testing.T) {
	tests := []struct {
		name   string
		window *Window
		now    time.Time
		want   bool
	}{
		{"nil window", nil, at(3, 0), true},
		{"daytime inside", &Window{Start: "09:00", End: "17:00"}, at(12, 0), true},
		{"daytime at start", &Window{Start: "09:00", End: "17:00"}, at(9, 0), true},
		{"daytime at end", &Window{Start: "09:00", End: "17:00"}, at(17, 0), false},
		{"daytime before", &Window{Start: "09:00", End: "17:00"}, at(8, 59), false},
		{"overnight late", &Window{Start: "22", End: "6"}, at(23, 0), true},
		{"overnight early", &Window{Start: "22", End: "6"}, at(3, 0), true},
		{"overnight midday", &Window{Start: "22", End: "6"}, at(12, 0), false},
		{"overnight at end", &Window{Start: "22:00", End: "06:00"}, at(6, 0), false},
		{"empty range", &Window{Start: "10:00", End: "10:00"}, at(10, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsWithinActiveHours(tt.window, tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("IsWithinActiveHours() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsWithinActiveHoursRejectsMalformedClock(t *testing.T) {
	for _, w := range []*Window{
		{Start: "", End: "06:00"},
		{Start: "25:00", End: "06:00"},
		{Start: "09:75", End: "10:00"},
		{Start: "nine", End: "10:00"},
	} {
		_, err := IsWithinActiveHours(w, at(9, 0))
		if !errors.Is(err, ErrInvalidCondition) || !errors.Is(err, apperr.ErrInvalidCondition) {
			t.Fatalf("window %+v: expected invalid condition, got %v", w, err)
		}
		if !IsInvalid(err) {
			t.Fatalf("IsInvalid should recognise %v", err)
		}
	}
}

func TestIsWithinActiveDays(t *testing.T) {
	wednesday := at(10, 0)
	if !IsWithinActiveDays(nil, wednesday) {
		t.Fatal("empty day set should always be active")
	}
	if !IsWithinActiveDays([]time.Weekday{time.Monday, time.Wednesday}, wednesday) {
		t.Fatal("expected wednesday to be active")
	}
	if IsWithinActiveDays([]time.Weekday{time.Saturday, time.Sunday}, wednesday) {
		t.Fatal("expected weekday to be inactive for a weekend rule")
	}
}

func TestHasRequiredAndLacksExcludedTags(t *testing.T) {
	tags := []string{"vip", "newsletter"}
	tests := []struct {
		name               string
		required, excluded []string
		want               bool
	}{
		{"no constraints", nil, nil, true},
		{"required present", []string{"vip"}, nil, true},
		{"required missing", []string{"vip", "staff"}, nil, false},
		{"excluded absent", nil, []string{"blocked"}, true},
		{"excluded present", []string{"vip"}, []string{"newsletter"}, false},
	}
	for _, tt := range tests {
		if got := HasRequiredAndLacksExcludedTags(tags, tt.required, tt.excluded); got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}
