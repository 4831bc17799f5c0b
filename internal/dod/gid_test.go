package dod

import "testing"

func TestFormatDisplayThreePart(t *testing.T) {
	g := GID(0x01000535)
	if got := FormatDisplay(g); got != "1-0-1333" {
		t.Fatalf("FormatDisplay(%#x) = %q, want 1-0-1333", uint32(g), got)
	}
}

func TestFormatDisplayTwoPart(t *testing.T) {
	g := GID(0x00287B98)
	if got := FormatDisplay(g); got != "40-31640" {
		t.Fatalf("FormatDisplay(%#x) = %q, want 40-31640", uint32(g), got)
	}
}

func TestParseDisplayRoundTrip(t *testing.T) {
	cases := []GID{0x01000535, 0x00287B98, 0x00000000, 0xFF00FFFF}
	for _, g := range cases {
		disp := FormatDisplay(g)
		got, err := ParseDisplay(disp)
		if err != nil {
			t.Fatalf("ParseDisplay(%q): %v", disp, err)
		}
		if got != g {
			t.Errorf("round trip %#x: got %#x via %q", uint32(g), uint32(got), disp)
		}
	}
}

func TestParseDisplayMalformed(t *testing.T) {
	for _, s := range []string{"", "abc", "1-2-3-4", "x-y"} {
		if _, err := ParseDisplay(s); err == nil {
			t.Errorf("ParseDisplay(%q): expected error", s)
		}
	}
}

func TestExtractF2Offset(t *testing.T) {
	payload := make([]byte, 10)
	payload[2], payload[3], payload[4], payload[5] = 0x00, 0x28, 0x7B, 0x98
	gid, ok := ExtractF2(payload)
	if !ok || gid != 0x00287B98 {
		t.Fatalf("ExtractF2: got %#x ok=%v", uint32(gid), ok)
	}
}

func TestExtractF2TooShort(t *testing.T) {
	if _, ok := ExtractF2([]byte{1, 2, 3}); ok {
		t.Fatal("expected extraction to fail for short payload")
	}
}

func TestExtractF1Offset(t *testing.T) {
	payload := make([]byte, 14)
	payload[10], payload[11], payload[12], payload[13] = 0x01, 0x00, 0x05, 0x35
	gid, ok := ExtractF1(payload)
	if !ok || gid != 0x01000535 {
		t.Fatalf("ExtractF1: got %#x ok=%v", uint32(gid), ok)
	}
}
