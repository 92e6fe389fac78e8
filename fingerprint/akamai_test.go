package fingerprint

import (
	"testing"
)

func TestParseAkamai_Chrome(t *testing.T) {
	akamai := "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p"

	settings, pseudoOrder, err := ParseAkamai(akamai)
	if err != nil {
		t.Fatalf("ParseAkamai failed: %v", err)
	}

	if settings.HeaderTableSize != 65536 {
		t.Errorf("HeaderTableSize: expected 65536, got %d", settings.HeaderTableSize)
	}
	if settings.EnablePush {
		t.Error("EnablePush: expected false")
	}
	if settings.InitialWindowSize != 6291456 {
		t.Errorf("InitialWindowSize: expected 6291456, got %d", settings.InitialWindowSize)
	}
	if settings.MaxHeaderListSize != 262144 {
		t.Errorf("MaxHeaderListSize: expected 262144, got %d", settings.MaxHeaderListSize)
	}
	if settings.ConnectionWindowUpdate != 15663105 {
		t.Errorf("ConnectionWindowUpdate: expected 15663105, got %d", settings.ConnectionWindowUpdate)
	}

	expectedOrder := []string{":method", ":authority", ":scheme", ":path"}
	if len(pseudoOrder) != len(expectedOrder) {
		t.Fatalf("expected %d pseudo-headers, got %d", len(expectedOrder), len(pseudoOrder))
	}
	for i, ph := range pseudoOrder {
		if ph != expectedOrder[i] {
			t.Errorf("pseudo-header %d: expected %q, got %q", i, expectedOrder[i], ph)
		}
	}
}

func TestParseAkamai_SafariOrder(t *testing.T) {
	akamai := "2:0;4:2097152;3:100;9:1|10485760|0|m,s,p,a"

	settings, pseudoOrder, err := ParseAkamai(akamai)
	if err != nil {
		t.Fatalf("ParseAkamai failed: %v", err)
	}

	if settings.MaxConcurrentStreams != 100 {
		t.Errorf("MaxConcurrentStreams: expected 100, got %d", settings.MaxConcurrentStreams)
	}
	if !settings.NoRFC7540Priorities {
		t.Error("NoRFC7540Priorities: expected true from 9:1")
	}

	expectedOrder := []string{":method", ":scheme", ":path", ":authority"}
	for i, ph := range pseudoOrder {
		if ph != expectedOrder[i] {
			t.Errorf("pseudo-header %d: expected %q, got %q", i, expectedOrder[i], ph)
		}
	}
}

func TestParseAkamai_PriorityWeight(t *testing.T) {
	settings, _, err := ParseAkamai("1:65536|15663105|256|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseAkamai failed: %v", err)
	}
	if settings.StreamWeight != 256 {
		t.Errorf("StreamWeight: expected 256, got %d", settings.StreamWeight)
	}
	if !settings.StreamExclusive {
		t.Error("StreamExclusive: expected true when weight set")
	}
}

func TestParseAkamai_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		akamai string
	}{
		{"too few fields", "1:65536|15663105|0"},
		{"bad settings pair", "1=65536|15663105|0|m,a,s,p"},
		{"bad settings value", "1:abc|15663105|0|m,a,s,p"},
		{"bad window update", "1:65536|xyz|0|m,a,s,p"},
		{"bad pseudo header", "1:65536|15663105|0|m,a,s,q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseAkamai(tt.akamai); err == nil {
				t.Errorf("ParseAkamai(%q) succeeded, expected error", tt.akamai)
			}
		})
	}
}
