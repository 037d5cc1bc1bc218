package cloudvfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLongestPrefix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		memMount("docs", "/docs", "a"),
		memMount("archive", "/docs/archive", "b"),
		memMount("docsarchive", "/docsarchive", "c"),
	)
	admin := Admin("u1")

	tests := []struct {
		path, mount, sub string
	}{
		{"/docs/a.txt", "docs", "/a.txt"},
		{"/docs", "docs", "/"},
		{"/docs/", "docs", "/"},
		{"/docs/archive/2024/q1.pdf", "archive", "/2024/q1.pdf"},
		{"/docs/archive/", "archive", "/"},
		{"/docs/archived.txt", "docs", "/archived.txt"},
		{"/docsarchive/x/", "docsarchive", "/x/"},
		{"//docs//reports/", "docs", "/reports/"},
	}
	for _, tt := range tests {
		res, err := h.fs.resolver.Resolve(ctx, tt.path, admin)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.mount, res.Mount.ID, tt.path)
		assert.Equal(t, tt.sub, res.SubPath, tt.path)
		assert.Equal(t, res.SubPath, res.Target.SubPath)
		assert.Same(t, res.Mount, res.Target.Mount)
	}
}

func TestResolveSortOrderBreaksTies(t *testing.T) {
	second := memMount("second", "/media/", "b")
	second.SortOrder = 2
	first := memMount("first", "media", "a")
	first.SortOrder = 1
	h := newHarness(t, second, first)

	res, err := h.fs.resolver.Resolve(context.Background(), "/media/x.png", Admin("u1"))
	require.NoError(t, err)
	assert.Equal(t, "first", res.Mount.ID)
	assert.Equal(t, "/media", res.Mount.Path, "mount paths are normalized")
	assert.Equal(t, "a", res.Driver.AccountID())
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	inactive := memMount("old", "/old", "b")
	inactive.Active = false
	h := newHarness(t, memMount("docs", "/docs", "a"), inactive)

	_, err := h.fs.resolver.Resolve(ctx, "/nowhere/a.txt", Admin("u1"))
	assert.True(t, IsNotFound(err))
	assert.True(t, isResolveMiss(err))

	_, err = h.fs.resolver.Resolve(ctx, "/old/a.txt", Admin("u1"))
	assert.True(t, isResolveMiss(err), "inactive mounts do not resolve")

	_, err = h.fs.resolver.Resolve(ctx, "/docs/a.txt", nil)
	assert.True(t, IsForbidden(err), "no caller")

	scoped := Scoped("u2", "/docs/team")
	_, err = h.fs.resolver.Resolve(ctx, "/docs/other/a.txt", scoped)
	assert.True(t, IsForbidden(err))
	_, err = h.fs.resolver.Resolve(ctx, "/docs/teamwork/a.txt", scoped)
	assert.True(t, IsForbidden(err), "scope aligns on segments")
	res, err := h.fs.resolver.Resolve(ctx, "/docs/team/a.txt", scoped)
	require.NoError(t, err)
	assert.Equal(t, "/team/a.txt", res.SubPath)

	_, err = h.fs.resolver.Resolve(ctx, "/docs/../etc/passwd", Admin("u1"))
	assert.True(t, errors.Is(err, ErrBadRequest))
}

func TestResolveStoreFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memMount("docs", "/docs", "a"))

	delete(h.store.configs, "a")
	_, err := h.fs.resolver.Resolve(ctx, "/docs/a.txt", Admin("u1"))
	assert.True(t, IsNotFound(err))
	assert.False(t, isResolveMiss(err), "a missing account is not a missing mount")

	h.store.err = errors.New("connection refused")
	_, err = h.fs.resolver.Resolve(ctx, "/docs/a.txt", Admin("u1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "load-mounts")
}

func TestResolveReadOnlyMount(t *testing.T) {
	ro := memMount("ro", "/public", "a")
	ro.ReadOnly = true
	h := newHarness(t, ro)

	res, err := h.fs.resolver.Resolve(context.Background(), "/public/a.txt", Admin("u1"))
	require.NoError(t, err)
	assert.True(t, res.Driver.HasCapability(CapReader))
	assert.False(t, res.Driver.HasCapability(CapWriter))
	assert.True(t, h.drivers["a"].HasCapability(CapWriter), "the shared driver is untouched")
}

func TestScopeMemoizesDrivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		memMount("docs", "/docs", "a"),
		memMount("team", "/team", "a"),
		memMount("backup", "/backup", "b"),
	)
	admin := Admin("u1")

	scope := h.fs.resolver.NewScope()
	for _, p := range []string{"/docs/a", "/team/b", "/docs/c", "/backup/d"} {
		_, err := scope.Resolve(ctx, p, admin)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), h.ctors.Load(), "one driver per account")
	// One mount load plus one config lookup per account.
	assert.Equal(t, int64(3), h.store.calls.Load())

	_, err := h.fs.resolver.Resolve(ctx, "/docs/a", admin)
	require.NoError(t, err)
	assert.Equal(t, int64(3), h.ctors.Load(), "a new scope builds its own drivers")
	assert.Equal(t, int64(5), h.store.calls.Load())
}

func TestListMounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		memMount("docs", "/docs", "a"),
		memMount("archive", "/docs/archive", "b"),
		memMount("photos", "/media/photos", "c"),
		memMount("video", "/media/video", "c"),
	)

	root, err := h.fs.resolver.ListMounts(ctx, "/", Admin("u1"))
	require.NoError(t, err)
	require.Len(t, root, 2)
	assert.Equal(t, FileInfo{Name: "docs", Path: "/docs/", IsDir: true, MountID: "docs"}, root[0])
	assert.Equal(t, FileInfo{Name: "media", Path: "/media/", IsDir: true}, root[1])

	media, err := h.fs.resolver.ListMounts(ctx, "/media", Admin("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"photos", "video"}, names(media))

	nested, err := h.fs.resolver.ListMounts(ctx, "/docs/", Admin("u1"))
	require.NoError(t, err)
	require.Len(t, nested, 1)
	assert.Equal(t, "archive", nested[0].MountID)

	scoped, err := h.fs.resolver.ListMounts(ctx, "/", Scoped("u2", "/media/photos/2024"))
	require.NoError(t, err)
	assert.Equal(t, []string{"media"}, names(scoped))
	scoped, err = h.fs.resolver.ListMounts(ctx, "/media/", Scoped("u2", "/media/photos/2024"))
	require.NoError(t, err)
	assert.Equal(t, []string{"photos"}, names(scoped))

	none, err := h.fs.resolver.ListMounts(ctx, "/", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMountsVisibleToCaller(t *testing.T) {
	ctx := context.Background()
	inactive := memMount("old", "/old", "a")
	inactive.Active = false
	h := newHarness(t,
		memMount("docs", "docs/", "a"),
		memMount("photos", "/media/photos", "b"),
		inactive,
	)

	all, err := h.fs.resolver.Mounts(ctx, Admin("u1"))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/docs", all[0].Path)

	scoped, err := h.fs.resolver.Mounts(ctx, Scoped("u2", "/media"))
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "photos", scoped[0].ID)

	none, err := h.fs.resolver.Mounts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	h.store.err = errors.New("db down")
	_, err = h.fs.resolver.Mounts(ctx, Admin("u1"))
	assert.Error(t, err)
}

func TestCallerAllows(t *testing.T) {
	assert.True(t, Admin("a").Allows("/anything"))
	assert.False(t, (*Caller)(nil).Allows("/"))

	c := Scoped("u", "docs/team/")
	assert.True(t, c.Allows("/docs/team"))
	assert.True(t, c.Allows("/docs/team/a/b.txt"))
	assert.False(t, c.Allows("/docs"))
	assert.True(t, c.sees("/docs"))
	assert.True(t, c.sees("/docs/team/sub"))
	assert.False(t, c.sees("/media"))

	anon := &Caller{Type: CallerAnonymous, ID: "share", AllowedPrefix: "/public"}
	assert.True(t, anon.Allows("/public/a.txt"))
	assert.False(t, anon.Allows("/private/a.txt"))

	// Without a prefix a non-admin caller is confined to nothing.
	for _, c := range []*Caller{
		Scoped("u", ""),
		Scoped("u", "  "),
		{Type: CallerAnonymous, ID: "share"},
	} {
		assert.False(t, c.Allows("/docs/a.txt"), c.Type)
		assert.False(t, c.Allows("/"), c.Type)
		assert.False(t, c.sees("/docs"), c.Type)
	}
	assert.True(t, Scoped("u", "/").Allows("/docs/a.txt"))
}

func TestMountCacheDuration(t *testing.T) {
	assert.Zero(t, (&Mount{}).CacheDuration())
	assert.Zero(t, (*Mount)(nil).CacheDuration())
	assert.Equal(t, 90*time.Second, (&Mount{CacheTTL: 90}).CacheDuration())
}

func names(items []FileInfo) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}
