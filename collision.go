package cloudvfs

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// copySuffix matches a trailing "(n)" copy counter.
var copySuffix = regexp.MustCompile(`\(\d+\)$`)

// CollisionPolicy bounds the automatic rename algorithm.
type CollisionPolicy struct {
	// StripLimit caps how many nested "(n)" suffixes are removed from a name
	// before probing.
	StripLimit int
	// MaxProbes caps how many "(n)" candidates are tried.
	MaxProbes int
}

// DefaultCollisionPolicy strips at most 10 suffixes and probes 10000 names.
var DefaultCollisionPolicy = CollisionPolicy{StripLimit: 10, MaxProbes: 10000}

// SplitName splits a file name into base and extension. Dot files without a
// further extension keep the whole name as base.
func SplitName(name string) (base, ext string) {
	ext = path.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if base == "" {
		return name, ""
	}
	return base, ext
}

// StripCopySuffix removes trailing "(n)" counters, at most limit times.
func StripCopySuffix(base string, limit int) string {
	for i := 0; i < limit; i++ {
		loc := copySuffix.FindStringIndex(base)
		if loc == nil || loc[0] == 0 {
			break
		}
		base = base[:loc[0]]
	}
	return base
}

// CandidateName returns the n-th collision candidate for name.
// Directory names are not split into base and extension.
func CandidateName(name string, n int, isDir bool, stripLimit int) string {
	base, ext := name, ""
	if !isDir {
		base, ext = SplitName(name)
	}
	base = StripCopySuffix(base, stripLimit)
	return fmt.Sprintf("%s(%d)%s", base, n, ext)
}

// ExistsFunc reports whether a mount-relative path is taken.
type ExistsFunc func(ctx context.Context, subPath string) (bool, error)

// ResolveCollision returns subPath when it is free, otherwise the first free
// sibling "base(n)ext" for n >= 1. Directory paths keep their trailing slash.
func (p CollisionPolicy) ResolveCollision(ctx context.Context, subPath string, exists ExistsFunc) (string, bool, error) {
	taken, err := exists(ctx, subPath)
	if err != nil {
		return "", false, err
	}
	if !taken {
		return subPath, false, nil
	}

	isDir := IsDirPath(subPath)
	name := BaseName(subPath)
	if name == "" {
		return "", false, NewPathError("resolve-collision", subPath, ErrBadRequest, "cannot rename the root")
	}
	parent := ParentPath(subPath)

	maxProbes := p.MaxProbes
	if maxProbes <= 0 {
		maxProbes = DefaultCollisionPolicy.MaxProbes
	}
	for n := 1; n <= maxProbes; n++ {
		candidate := JoinPath(parent, CandidateName(name, n, isDir, p.StripLimit))
		if isDir {
			candidate = AsDir(candidate)
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", false, err
		}
		if !taken {
			return candidate, true, nil
		}
	}
	return "", false, NewPathError("resolve-collision", subPath, ErrConflict, "no free name after %d probes", maxProbes)
}
