package docker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/nstogner/agentserver/pkg/sandbox"
)

func TestResolveUserPath_RejectsEscape(t *testing.T) {
	cases := []struct {
		name    string
		relPath string
		wantErr bool
	}{
		{"empty defaults to root", "", false},
		{"plain relative", "notes.txt", false},
		{"nested relative", "sub/dir/file.txt", false},
		{"absolute path rejected", "/etc/passwd", true},
		{"parent traversal rejected", "../other-user/secret.txt", true},
		{"embedded traversal rejected", "a/../../b", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := resolveUserPath("u1", c.relPath)
			if c.wantErr && err != sandbox.ErrPathEscape {
				t.Errorf("resolveUserPath(%q) error = %v, want ErrPathEscape", c.relPath, err)
			}
			if !c.wantErr && err != nil {
				t.Errorf("resolveUserPath(%q) unexpected error: %v", c.relPath, err)
			}
		})
	}
}

func TestResolveUserPath_StaysWithinUserRoot(t *testing.T) {
	got, err := resolveUserPath("u1", "notes.txt")
	if err != nil {
		t.Fatalf("resolveUserPath: %v", err)
	}
	if !strings.Contains(got, "u1") || !strings.HasSuffix(got, "notes.txt") {
		t.Errorf("resolveUserPath() = %q, want it rooted under the user id and ending in the relative path", got)
	}
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote(`it's a test`)
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("shellQuote() = %q, want %q", got, want)
	}
}

func TestCappedBuffer_TruncatesAtLimit(t *testing.T) {
	c := newCappedBuffer(8)
	c.Write([]byte("01234567890123"))
	if !c.truncated {
		t.Error("expected truncated to be true once over the limit")
	}
	if !strings.HasSuffix(c.String(), "[truncated]") {
		t.Errorf("String() = %q, want a [truncated] suffix", c.String())
	}
}

func TestCappedBuffer_UnderLimitNotTruncated(t *testing.T) {
	c := newCappedBuffer(64)
	c.Write([]byte("hello"))
	if c.truncated {
		t.Error("expected truncated to stay false under the limit")
	}
	if c.String() != "hello" {
		t.Errorf("String() = %q, want %q", c.String(), "hello")
	}
}

func frame(streamType byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = streamType
	n := len(payload)
	header[4] = byte(n >> 24)
	header[5] = byte(n >> 16)
	header[6] = byte(n >> 8)
	header[7] = byte(n)
	return append(header, []byte(payload)...)
}

func TestDemux_SplitsStdoutAndStderr(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(frame(1, "out-line\n"))
	raw.Write(frame(2, "err-line\n"))

	var stdout, stderr bytes.Buffer
	n, err := demux(&raw, &stdout, &stderr)
	if err != nil {
		t.Fatalf("demux: %v", err)
	}
	if n != int64(len("out-line\n")+len("err-line\n")) {
		t.Errorf("demux() wrote %d bytes, want %d", n, len("out-line\n")+len("err-line\n"))
	}
	if stdout.String() != "out-line\n" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "out-line\n")
	}
	if stderr.String() != "err-line\n" {
		t.Errorf("stderr = %q, want %q", stderr.String(), "err-line\n")
	}
}

func TestDemux_EmptyStreamIsNotAnError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	n, err := demux(&bytes.Buffer{}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("demux: %v", err)
	}
	if n != 0 {
		t.Errorf("demux() wrote %d bytes, want 0", n)
	}
}
