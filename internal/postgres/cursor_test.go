package postgres

import (
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	in := cursor{
		checkInTime: time.Date(2024, 3, 1, 9, 15, 30, 123456789, time.UTC),
		id:          "rec-42",
	}
	out, err := decodeCursor(encodeCursor(in))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !out.checkInTime.Equal(in.checkInTime) || out.id != in.id {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestCursorIDWithSeparator(t *testing.T) {
	// Cut splits on the first separator, so ids containing one survive.
	in := cursor{checkInTime: time.Now().UTC(), id: "a|b"}
	out, err := decodeCursor(encodeCursor(in))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if out.id != "a|b" {
		t.Errorf("id = %q, want %q", out.id, "a|b")
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not base64!", "bm8tc2VwYXJhdG9y", "bm90LWEtdGltZXxpZA"} {
		if _, err := decodeCursor(raw); err == nil {
			t.Errorf("decodeCursor(%q) should fail", raw)
		}
	}
}
