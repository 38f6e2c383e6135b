package security

import (
	"errors"
	"testing"
)

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"keeps tab and newline", "a\tb\nc", "a\tb\nc"},
		{"strips control chars", "a\x01b\x1fc\x7fd", "abcd"},
		{"crlf folds to lf", "a\r\nb", "a\nb"},
		{"bare cr becomes lf", "a\rb", "a\nb"},
		{"invalid utf8 replaced", "a\xffb", "a\uFFFDb"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := SanitizeString(c.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("SanitizeString(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestSanitizeStringRejectsNul(t *testing.T) {
	if _, err := SanitizeString("a\x00b"); !errors.Is(err, ErrNulByte) {
		t.Errorf("err = %v, want ErrNulByte", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\x\doc.docx`, "doc.docx"},
		{"dir/sub/file.txt", "file.txt"},
		{"  spaced.txt  ", "spaced.txt"},
		{"ctrl\x01name.txt", "ctrlname.txt"},
	}
	for _, c := range cases {
		got, err := SanitizeFilename(c.in)
		if err != nil {
			t.Errorf("SanitizeFilename(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeFilenameRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", ".", "..", "   ", "dir/"} {
		if _, err := SanitizeFilename(in); !errors.Is(err, ErrBadFilename) {
			t.Errorf("SanitizeFilename(%q) err = %v, want ErrBadFilename", in, err)
		}
	}
}

func TestDetectMIME(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n")
	if got := DetectMIME(png); got != "image/png" {
		t.Errorf("png sniffed as %q", got)
	}
	if got := DetectMIME([]byte("%PDF-1.7\n")); got != "application/pdf" {
		t.Errorf("pdf sniffed as %q", got)
	}
}

func TestMIMEAllowed(t *testing.T) {
	allowed := []string{"text/plain", "application/pdf", "image/*"}
	cases := []struct {
		mime string
		want bool
	}{
		{"text/plain", true},
		{"text/plain; charset=utf-8", true},
		{"application/pdf", true},
		{"image/png", true},
		{"image/webp", true},
		{"audio/mpeg", false},
		{"application/zip", false},
	}
	for _, c := range cases {
		if got := MIMEAllowed(c.mime, allowed); got != c.want {
			t.Errorf("MIMEAllowed(%q) = %v, want %v", c.mime, got, c.want)
		}
	}
}

func TestCheckAPIKey(t *testing.T) {
	if !CheckAPIKey("anything", "") {
		t.Error("empty expected key must disable auth")
	}
	if !CheckAPIKey("secret", "secret") {
		t.Error("matching key rejected")
	}
	if CheckAPIKey("wrong", "secret") {
		t.Error("mismatched key accepted")
	}
	if CheckAPIKey("", "secret") {
		t.Error("missing key accepted")
	}
}
