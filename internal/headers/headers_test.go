package headers

import "testing"

func TestStripInternalAndHopByHop_RemovesBothSetsCaseInsensitively(t *testing.T) {
	h := map[string]string{
		"Procsi-Session-Id":    "abc",
		"PROCSI-REPLAY-TOKEN":  "tok",
		"Connection":           "keep-alive",
		"X-Custom":             "keep me",
		"Content-Type":         "application/json",
	}
	StripInternalAndHopByHop(h)

	if len(h) != 2 {
		t.Fatalf("expected 2 headers to survive, got %+v", h)
	}
	if h["X-Custom"] != "keep me" || h["Content-Type"] != "application/json" {
		t.Errorf("unexpected surviving headers: %+v", h)
	}
}

func TestIsInternalOrHopByHop_RecognisesBothSetsCaseInsensitively(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"procsi-session-token", true},
		{"Transfer-Encoding", true},
		{"content-type", false},
		{"X-Custom", false},
	}
	for _, tt := range cases {
		if got := IsInternalOrHopByHop(tt.name); got != tt.want {
			t.Errorf("IsInternalOrHopByHop(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
