package webhook

import "testing"

func TestParseEventTypes(t *testing.T) {
	cases := []struct {
		body string
		want EventType
	}{
		{`{"type":"call-ended","call":{"id":"a"}}`, EventCallEnded},
		{`{"message":{"type":"end-of-call-report","call":{"id":"a"}}}`, EventCallEnded},
		{`{"type":"status-update","status":"ringing","call":{"id":"a"}}`, EventStatusUpdate},
		{`{"type":"hang"}`, EventUnknown},
	}
	for _, tc := range cases {
		evt, err := Parse([]byte(tc.body))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.body, err)
		}
		if evt.Type != tc.want {
			t.Fatalf("parse %s: type %s, want %s", tc.body, evt.Type, tc.want)
		}
	}
}
