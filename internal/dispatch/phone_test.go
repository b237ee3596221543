package dispatch

import "testing"

func TestNormalizeE164(t *testing.T) {
	cases := []struct {
		raw, cc, want string
	}{
		{"+44 20 7946 0958", "1", "+442079460958"},
		{"15551234567", "1", "+15551234567"},
		{"555-123-4567", "1", "+15551234567"},
		{"07946 095812", "44", "+447946095812"},
		{"7946095812", "+44", "+447946095812"},
	}
	for _, tc := range cases {
		got, err := NormalizeE164(tc.raw, tc.cc)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.raw, tc.want, got)
		}
	}

	for _, bad := range []string{"", "abc", "12"} {
		if _, err := NormalizeE164(bad, "1"); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
