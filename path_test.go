package cloudvfs

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root", "/", false},
		{"file", "/docs/report.pdf", false},
		{"dots in name", "/docs/v1..2/a.txt", false},
		{"unicode", "/docs/résumé.pdf", false},
		{"empty", "", true},
		{"traversal", "../etc/passwd", true},
		{"traversal inside", "/docs/../../etc/passwd", true},
		{"trailing traversal", "/docs/..", true},
		{"encoded slash", "/docs/a%2Fb", true},
		{"encoded backslash", "/docs/a%5cb", true},
		{"encoded traversal", "/docs/%2e%2e/secret", true},
		{"encoded nul", "/docs/a%00.txt", true},
		{"mixed traversal", "/docs/%2e./secret", true},
		{"mixed traversal reversed", "/docs/.%2E/secret", true},
		{"double encoded slash", "/docs/a%252fb", true},
		{"double encoded backslash", "/docs/a%255Cb", true},
		{"double encoded traversal", "/docs/%252e%252e/secret", true},
		{"triple encoded slash", "/docs/a%25252fb", true},
		{"encoded dots in name", "/docs/v1%2e.txt", false},
		{"literal percent", "/docs/100%.txt", false},
		{"encoded space", "/docs/a%20b.txt", false},
		{"backslash", `/docs\..\secret`, true},
		{"newline", "/docs/a\nb", true},
		{"nul", "/docs/a\x00b", true},
		{"delete char", "/docs/a\x7fb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadRequest) {
				t.Errorf("ValidatePath(%q) error = %v, want ErrBadRequest", tt.path, err)
			}
		})
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/", "/"},
		{"docs", "/docs"},
		{"//docs///a.txt", "/docs/a.txt"},
		{"/docs/./a.txt", "/docs/a.txt"},
		{"/docs/reports/", "/docs/reports/"},
		{"/docs//reports//", "/docs/reports/"},
	}
	for _, tt := range tests {
		got, err := CleanPath(tt.in)
		if err != nil {
			t.Fatalf("CleanPath(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, sub, want string
	}{
		{"", "/a.txt", "a.txt"},
		{"", "/", ""},
		{"", "/reports/", "reports/"},
		{"tenant", "/a.txt", "tenant/a.txt"},
		{"/tenant/", "/reports/", "tenant/reports/"},
		{"/tenant//x/", "//a.txt", "tenant/x/a.txt"},
		{"tenant", "/", "tenant/"},
	}
	for _, tt := range tests {
		got := ObjectKey(tt.prefix, tt.sub)
		if got != tt.want {
			t.Errorf("ObjectKey(%q, %q) = %q, want %q", tt.prefix, tt.sub, got, tt.want)
		}
		if tt.sub != "/" {
			if back := SubPathFromKey(tt.prefix, got); back != cleanSubPath(tt.sub) {
				t.Errorf("SubPathFromKey(%q, %q) = %q, want %q", tt.prefix, got, back, cleanSubPath(tt.sub))
			}
		}
	}
}

// cleanSubPath collapses duplicate slashes the way ObjectKey does.
func cleanSubPath(p string) string {
	return "/" + collapseSlashes(strings.TrimLeft(p, "/"))
}

func TestPathHelpers(t *testing.T) {
	checks := []struct {
		name, got, want string
	}{
		{"AsDir", AsDir("/a/b"), "/a/b/"},
		{"AsDir dir", AsDir("/a/b//"), "/a/b/"},
		{"AsDir empty", AsDir(""), "/"},
		{"AsFile", AsFile("/a/b/"), "/a/b"},
		{"AsFile root", AsFile("/"), "/"},
		{"BaseName", BaseName("/a/b.txt"), "b.txt"},
		{"BaseName dir", BaseName("/a/b/"), "b"},
		{"BaseName root", BaseName("/"), ""},
		{"ParentPath", ParentPath("/a/b.txt"), "/a/"},
		{"ParentPath dir", ParentPath("/a/b/"), "/a/"},
		{"ParentPath top", ParentPath("/a"), "/"},
		{"JoinPath", JoinPath("/a", "b.txt"), "/a/b.txt"},
		{"NormalizePrefix", NormalizePrefix("//x//y/"), "x/y/"},
		{"NormalizePrefix empty", NormalizePrefix("/"), ""},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestHasPathPrefix(t *testing.T) {
	if !hasPathPrefix("/docs/a.txt", "/docs") {
		t.Error("file below mount should match")
	}
	if !hasPathPrefix("/docs", "/docs/") {
		t.Error("mount root should match itself")
	}
	if hasPathPrefix("/docsarchive/a.txt", "/docs") {
		t.Error("prefix must align on segments")
	}
	if !hasPathPrefix("/anything", "/") {
		t.Error("root prefix matches everything")
	}
}
