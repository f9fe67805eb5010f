package resolver

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshweb/pkg/routetable"
)

var exampleChannels = []string{
	"/:index",
	"/foo:index",
	"/foo:hello",
	"/bar:GET",
	"/bar:POST",
	"/foo/bar/hello:index",
}

func TestResolve_Examples(t *testing.T) {
	snap := routetable.NewSnapshot(exampleChannels...)

	tests := []struct {
		method  string
		path    string
		channel string
		args    []string
	}{
		{"GET", "/", "/:index", []string{}},
		{"GET", "", "/:index", []string{}},
		{"GET", "/1/2/3", "/:index", []string{"1", "2", "3"}},
		{"GET", "/foo", "/foo:index", []string{}},
		{"GET", "/foo/", "/foo:index", []string{}},
		{"GET", "/foo/hello", "/foo:hello", []string{}},
		{"GET", "/foo/1/2/3", "/foo:index", []string{"1", "2", "3"}},
		{"GET", "/foo/hello/1/2/3", "/foo:hello", []string{"1", "2", "3"}},
		{"GET", "/bar", "/bar:GET", []string{}},
		{"GET", "/bar/1/2/3", "/bar:GET", []string{"1", "2", "3"}},
		{"POST", "/bar", "/bar:POST", []string{}},
		{"post", "/bar/1/2/3", "/bar:POST", []string{"1", "2", "3"}},
		{"GET", "/foo/bar/hello", "/foo/bar/hello:index", []string{}},
		{"GET", "/foo/bar/hello/9", "/foo/bar/hello:index", []string{"9"}},
		{"GET", "/foo/bar/hello/1/2/3", "/foo/bar/hello:index", []string{"1", "2", "3"}},
		{"GET", "//foo///1", "/foo:index", []string{"1"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			m := Resolve(tt.path, tt.method, snap)
			require.True(t, m.Found, "expected a match")
			assert.Equal(t, tt.channel, m.Channel)
			assert.Equal(t, tt.args, m.Args)
		})
	}
}

func TestResolve_NoMatchingScope(t *testing.T) {
	// Without any root-scoped handler an unknown first segment finds nothing
	snap := routetable.NewSnapshot("/foo:index", "/bar:GET")

	m := Resolve("/unknown", "GET", snap)
	assert.False(t, m.Found)
	assert.Empty(t, m.Channel)
	assert.Empty(t, m.Args)

	m = Resolve("/", "GET", snap)
	assert.False(t, m.Found)

	// Deeper scopes do not need the root scope to be registered
	m = Resolve("/foo/1", "GET", snap)
	require.True(t, m.Found)
	assert.Equal(t, "/foo:index", m.Channel)
	assert.Equal(t, []string{"1"}, m.Args)
}

func TestResolve_UnknownFallsBackToRoot(t *testing.T) {
	snap := routetable.NewSnapshot(exampleChannels...)

	m := Resolve("/unknown", "GET", snap)
	require.True(t, m.Found)
	assert.Equal(t, "/:index", m.Channel)
	assert.Equal(t, []string{"unknown"}, m.Args)
}

func TestResolve_ScopeWithoutMatchingEvent(t *testing.T) {
	snap := routetable.NewSnapshot("/:index", "/bar:POST")

	m := Resolve("/bar", "GET", snap)
	assert.False(t, m.Found, "scope /bar matched but has no GET, index or request event")
}

func TestResolve_EmptyRoot(t *testing.T) {
	m := Resolve("/", "GET", routetable.NewSnapshot("/foo:index"))
	assert.False(t, m.Found)

	m = Resolve("/", "DELETE", routetable.NewSnapshot("/:DELETE", "/:request"))
	require.True(t, m.Found)
	assert.Equal(t, "/:DELETE", m.Channel)

	m = Resolve("/", "GET", routetable.NewSnapshot("/:DELETE", "/:request"))
	require.True(t, m.Found)
	assert.Equal(t, "/:request", m.Channel)
}

func TestResolve_EventPriority(t *testing.T) {
	all := []string{"/api:items", "/api:index", "/api:GET", "/api:request"}

	// Remove the highest-priority candidate one at a time
	want := []struct {
		channel string
		args    []string
	}{
		{"/api:items", []string{"7"}},
		{"/api:index", []string{"items", "7"}},
		{"/api:GET", []string{"items", "7"}},
		{"/api:request", []string{"items", "7"}},
	}

	for i := range all {
		snap := routetable.NewSnapshot(append([]string{"/:index"}, all[i:]...)...)
		m := Resolve("/api/items/7", "GET", snap)
		require.True(t, m.Found)
		assert.Equal(t, want[i].channel, m.Channel)
		assert.Equal(t, want[i].args, m.Args)
	}
}

func TestResolve_LongestScopeWins(t *testing.T) {
	snap := routetable.NewSnapshot("/:index", "/a:index", "/a/b:index", "/a/b/c:index")

	for depth, path := range []string{"/x", "/a/x", "/a/b/x", "/a/b/c/x"} {
		m := Resolve(path, "GET", snap)
		require.True(t, m.Found)
		scope := routetable.ScopeOf(m.Channel)
		assert.Equal(t, depth, len(Segments(scope)), "path %s resolved to %s", path, m.Channel)
		assert.Equal(t, []string{"x"}, m.Args)
	}
}

func TestResolve_ScopeGapIsSkipped(t *testing.T) {
	// /a/b is not registered but /a/b/c is, and the deeper scope wins
	snap := routetable.NewSnapshot("/:index", "/a:index", "/a/b/c:index")

	m := Resolve("/a/b/c/d", "GET", snap)
	require.True(t, m.Found)
	assert.Equal(t, "/a/b/c:index", m.Channel)
	assert.Equal(t, []string{"d"}, m.Args)

	m = Resolve("/a/b/x", "GET", snap)
	require.True(t, m.Found)
	assert.Equal(t, "/a:index", m.Channel)
	assert.Equal(t, []string{"b", "x"}, m.Args)
}

func TestResolve_EncodedSlashInArgs(t *testing.T) {
	snap := routetable.NewSnapshot(exampleChannels...)

	m := Resolve("/foo/a%2Fb/c%2fd", "GET", snap)
	require.True(t, m.Found)
	assert.Equal(t, []string{"a/b", "c/d"}, m.Args)
}

func TestResolve_ArgsRejoinToSuffix(t *testing.T) {
	snap := routetable.NewSnapshot(exampleChannels...)

	for _, suffix := range []string{"1/2/3", "x%2Fy/z", "only"} {
		path := "/foo/" + suffix
		m := Resolve(path, "GET", snap)
		require.True(t, m.Found)

		want, err := url.PathUnescape(suffix)
		require.NoError(t, err)
		assert.Equal(t, want, strings.Join(m.Args, "/"))
	}
}

func TestResolve_Idempotent(t *testing.T) {
	snap := routetable.NewSnapshot(exampleChannels...)

	for _, path := range []string{"/", "/foo/hello/1", "/bar/x", "/nope/1"} {
		first := Resolve(path, "GET", snap)
		second := Resolve(path, "GET", snap)
		assert.Equal(t, first, second, "resolving %s twice", path)
	}
}

func TestSegments(t *testing.T) {
	assert.Empty(t, Segments(""))
	assert.Empty(t, Segments("/"))
	assert.Equal(t, []string{"a", "b"}, Segments("/a//b/"))
}

func TestCanonical(t *testing.T) {
	tests := map[string]string{
		"":                       "/",
		"/":                      "/",
		"//admin":                "/admin",
		"/admin/":                "/admin",
		"/x/../admin/secret.txt": "/admin/secret.txt",
		"/../../admin":           "/admin",
		"/./a//b/.":              "/a/b",
		"/admin%2Fsecret.txt":    "/admin/secret.txt",
		"/a%2f..%2Fadmin":        "/admin",
		"/plain/path":            "/plain/path",
	}
	for in, want := range tests {
		assert.Equal(t, want, Canonical(in), "Canonical(%q)", in)
	}
}

func BenchmarkResolve(b *testing.B) {
	ids := []string{"/:index"}
	scope := ""
	for i := 0; i < 10; i++ {
		scope = fmt.Sprintf("%s/s%d", scope, i)
		ids = append(ids, scope+":index")
	}
	snap := routetable.NewSnapshot(ids...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Resolve("/s0/s1/s2/s3/s4/s5/s6/s7/s8/s9/a/b", "GET", snap)
	}
}
