package main

import (
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestParseInlineRoutes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]int
	}{
		{name: "empty", raw: "", want: map[string]int{}},
		{name: "single pair", raw: "db-net=1", want: map[string]int{"db-net": 1}},
		{
			name: "multiple with whitespace",
			raw:  " db-net=1 , db-sec = 2 ",
			want: map[string]int{"db-net": 1, "db-sec": 2},
		},
		{
			name: "malformed entries skipped",
			raw:  "db-net=1,broken,db-sec=notanumber,db-ops=3",
			want: map[string]int{"db-net": 1, "db-ops": 3},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseInlineRoutes(zap.NewNop(), tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("N2J_TEST_INT", "42")
	if got := intEnv(zap.NewNop(), "N2J_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("N2J_TEST_INT", "not a number")
	if got := intEnv(zap.NewNop(), "N2J_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := intEnv(zap.NewNop(), "N2J_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("expected fallback for unset var, got %d", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("N2J_TEST_DUR", "90s")
	if got := durationEnv(zap.NewNop(), "N2J_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("N2J_TEST_DUR", "ninety")
	if got := durationEnv(zap.NewNop(), "N2J_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("N2J_TEST_BOOL", "true")
	if !boolEnv("N2J_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("N2J_TEST_BOOL", "definitely")
	if boolEnv("N2J_TEST_BOOL", false) {
		t.Fatalf("expected fallback false for unparseable value")
	}
	if boolEnv("N2J_TEST_BOOL_UNSET", true) != true {
		t.Fatalf("expected fallback for unset var")
	}
}
