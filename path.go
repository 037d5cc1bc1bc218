package cloudvfs

import (
	"net/url"
	"path"
	"strings"
)

// decodePasses bounds how many rounds of percent-decoding a segment is
// checked under, so double-encoded forms such as %252f are caught too.
const decodePasses = 3

// ValidatePath rejects traversal segments, encoded separators, backslashes
// and control characters. It is applied before any backend call.
func ValidatePath(p string) error {
	if p == "" {
		return NewPathError("validate", p, ErrBadRequest, "empty path")
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return NewPathError("validate", p, ErrBadRequest, "control character in path")
		}
		if r == '\\' {
			return NewPathError("validate", p, ErrBadRequest, "backslash in path")
		}
	}
	for _, seg := range strings.Split(p, "/") {
		if err := validateSegment(p, seg); err != nil {
			return err
		}
	}
	return nil
}

// validateSegment rejects a segment that is, or percent-decodes to, a
// traversal or a separator. Mixed forms like %2e. decode to "..".
func validateSegment(p, seg string) error {
	for pass := 0; ; pass++ {
		if seg == ".." {
			return NewPathError("validate", p, ErrBadRequest, "path traversal")
		}
		if pass > 0 && strings.ContainsAny(seg, "/\\\x00") {
			return NewPathError("validate", p, ErrBadRequest, "encoded separator in path")
		}
		if pass == decodePasses {
			return nil
		}
		decoded, err := url.PathUnescape(seg)
		if err != nil || decoded == seg {
			return nil
		}
		seg = decoded
	}
}

// CleanPath validates p and returns it with a leading slash and collapsed
// separators. A trailing slash, which marks a directory, is preserved.
func CleanPath(p string) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	isDir := strings.HasSuffix(p, "/")
	cleaned := path.Clean("/" + p)
	if isDir && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// IsDirPath reports whether p names a directory (has a trailing slash).
func IsDirPath(p string) bool {
	return strings.HasSuffix(p, "/")
}

// AsDir returns p with exactly one trailing slash.
func AsDir(p string) string {
	if p == "" {
		return "/"
	}
	return strings.TrimRight(p, "/") + "/"
}

// AsFile returns p without trailing slashes.
func AsFile(p string) string {
	if p == "/" {
		return p
	}
	return strings.TrimRight(p, "/")
}

// BaseName returns the last path segment, ignoring a trailing slash.
func BaseName(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

// ParentPath returns the directory containing p, with a trailing slash.
func ParentPath(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	dir := path.Dir(trimmed)
	if dir == "/" || dir == "." {
		return "/"
	}
	return dir + "/"
}

// JoinPath joins dir and name into a virtual path.
func JoinPath(dir, name string) string {
	return path.Join(AsDir(dir), name)
}

// NormalizePrefix turns an account root prefix into "" or "a/b/".
func NormalizePrefix(prefix string) string {
	prefix = collapseSlashes(strings.Trim(prefix, "/"))
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// ObjectKey maps a mount-relative path to a backend key under rootPrefix.
// The key never has a leading slash; directories keep their trailing slash.
func ObjectKey(rootPrefix, subPath string) string {
	isDir := strings.HasSuffix(subPath, "/")
	key := collapseSlashes(NormalizePrefix(rootPrefix) + strings.TrimLeft(subPath, "/"))
	key = strings.TrimLeft(key, "/")
	if isDir && key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return key
}

// SubPathFromKey inverts ObjectKey for keys under rootPrefix.
func SubPathFromKey(rootPrefix, key string) string {
	return "/" + strings.TrimPrefix(key, NormalizePrefix(rootPrefix))
}

func collapseSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}

// hasPathPrefix reports whether p equals prefix or lies below it, on
// segment boundaries.
func hasPathPrefix(p, prefix string) bool {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return true
	}
	p = strings.TrimRight(p, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
