package types

import (
	"testing"
	"time"
)

func TestNewGenerationIDUnique(t *testing.T) {
	a := NewGenerationID()
	b := NewGenerationID()
	if a == b {
		t.Error("expected distinct generation ids")
	}
	if a == "" {
		t.Error("expected non-empty generation id")
	}
}

func TestSnowflakeTime(t *testing.T) {
	// 175928847299117063 is Discord's documented example snowflake,
	// corresponding to 2016-04-30T11:18:25.796Z.
	got, err := SnowflakeTime(MessageID("175928847299117063"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2016, 4, 30, 11, 18, 25, 796000000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSnowflakeTimeInvalid(t *testing.T) {
	if _, err := SnowflakeTime(MessageID("not-a-snowflake")); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestSnowflakeTimeMonotone(t *testing.T) {
	earlier, _ := SnowflakeTime(MessageID("175928847299117063"))
	later, _ := SnowflakeTime(MessageID("175928847299117064"))
	if !later.After(earlier) && !later.Equal(earlier) {
		t.Errorf("expected later snowflake id to not precede earlier one")
	}
}
