package httpapi

import "testing"

func TestParseThreadCheckpointsPath(t *testing.T) {
	cases := []struct {
		path     string
		wantID   string
		wantOK   bool
	}{
		{"/api/threads/abc-123/checkpoints", "abc-123", true},
		{"/api/threads//checkpoints", "", false},
		{"/api/threads/abc-123", "", false},
		{"/api/threads/abc-123/checkpoints/extra", "", false},
		{"/other", "", false},
	}

	for _, c := range cases {
		id, ok := parseThreadCheckpointsPath(c.path)
		if ok != c.wantOK {
			t.Errorf("parseThreadCheckpointsPath(%q) ok = %v, want %v", c.path, ok, c.wantOK)
			continue
		}
		if ok && id != c.wantID {
			t.Errorf("parseThreadCheckpointsPath(%q) = %q, want %q", c.path, id, c.wantID)
		}
	}
}
