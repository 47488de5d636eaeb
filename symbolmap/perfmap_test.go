// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprof/perfmap/config"
)

type fakeMethod struct {
	name string
	err  error
}

func (f *fakeMethod) FullName() (string, error) {
	return f.name, f.err
}

func readMap(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestProcessMapEndToEnd(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	Initialize(&config.Settings{Enabled: true})
	require.NotNil(t, Current())
	defer Teardown()

	Current().LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x1000, 0x20, "")
	Teardown()
	assert.Nil(t, Current())

	path := filepath.Join(tmp, fmt.Sprintf("perf-%d.map", os.Getpid()))
	assert.Equal(t, "1000 20 Foo.Bar()\n", readMap(t, path))

	// Teardown also closed the info side file; its path must exist.
	_, err := os.Stat(filepath.Join(tmp, fmt.Sprintf("perfinfo-%d.map", os.Getpid())))
	assert.NoError(t, err)
}

func TestInitializeTwice(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	Initialize(&config.Settings{Enabled: true})
	defer Teardown()
	first := Current()
	require.NotNil(t, first)
	first.LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x1000, 0x20, "")

	// The second call keeps the existing instance; the open map file is
	// neither truncated nor leaked.
	Initialize(&config.Settings{Enabled: true})
	assert.Same(t, first, Current())
	Current().LogCompiledMethod(&fakeMethod{name: "Foo.Baz()"}, 0x2000, 0x40, "")

	path := filepath.Join(tmp, fmt.Sprintf("perf-%d.map", os.Getpid()))
	assert.Equal(t, "1000 20 Foo.Bar()\n2000 40 Foo.Baz()\n", readMap(t, path))
}

func TestProcessMapDisabled(t *testing.T) {
	Initialize(&config.Settings{})
	assert.Nil(t, Current())

	// All logging is a no-op through a nil map.
	Current().LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x1000, 0x20, "")
	Current().LogStubs("Precode", "Foo.Bar()", 0x2000, 0x10)
	Teardown()
}

func newTestMap(t *testing.T, showTiers bool) (*Map, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.map")
	file, err := openMapFile(path)
	require.NoError(t, err)
	m := &Map{file: file, showTiers: showTiers}
	t.Cleanup(m.close)
	return m, path
}

func TestLogCompiledMethodTiers(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		m, path := newTestMap(t, false)
		m.LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x1000, 0x20, "OptimizedTier1")
		assert.Equal(t, "1000 20 Foo.Bar()\n", readMap(t, path))
	})

	t.Run("enabled", func(t *testing.T) {
		m, path := newTestMap(t, true)
		m.LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x1000, 0x20, "OptimizedTier1")
		m.LogCompiledMethod(&fakeMethod{name: "Foo.Baz()"}, 0x2000, 0x40, "")
		assert.Equal(t, "1000 20 Foo.Bar()[OptimizedTier1]\n2000 40 Foo.Baz()\n",
			readMap(t, path))
	})
}

func TestLogCompiledMethodDropsFailedLookup(t *testing.T) {
	m, path := newTestMap(t, false)

	m.LogCompiledMethod(&fakeMethod{err: fmt.Errorf("metadata gone")}, 0x1000, 0x20, "")
	m.LogCompiledMethod(&fakeMethod{name: "Foo.Bar()"}, 0x2000, 0x20, "")

	// Only the resolvable method was recorded.
	assert.Equal(t, "2000 20 Foo.Bar()\n", readMap(t, path))
}

func TestLogStubs(t *testing.T) {
	m, path := newTestMap(t, false)

	m.LogStubs("Precode", "Foo.Bar()", 0x1000, 0x10)
	m.LogStubs("", "Foo.Baz()", 0x2000, 0x10)
	m.LogStubs("Jump", "", 0x3000, 0x10)
	m.LogStubs("", "", 0x4000, 0x10)

	assert.Equal(t,
		"1000 10 stub<1> Precode<Foo.Bar()>\n"+
			"2000 10 stub<2> ?<Foo.Baz()>\n"+
			"3000 10 stub<3> Jump<?>\n"+
			"4000 10 stub<4> ?<?>\n",
		readMap(t, path))
}

var stubIndexRe = regexp.MustCompile(`stub<(\d+)>`)

func TestLogStubsConcurrent(t *testing.T) {
	const workers = 8
	const stubsPerWorker = 100

	m, path := newTestMap(t, false)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < stubsPerWorker; i++ {
				m.LogStubs("Thunk", "Owner", 0x1000, 0x10)
			}
		}()
	}
	wg.Wait()

	var indices []int
	for _, line := range strings.Split(strings.TrimSuffix(readMap(t, path), "\n"), "\n") {
		match := stubIndexRe.FindStringSubmatch(line)
		require.NotNil(t, match, "malformed line: %q", line)
		n, err := strconv.Atoi(match[1])
		require.NoError(t, err)
		indices = append(indices, n)
	}

	// The observed indices are a permutation of 1..N.
	require.Len(t, indices, workers*stubsPerWorker)
	sort.Ints(indices)
	for i, n := range indices {
		require.Equal(t, i+1, n)
	}
}

func TestLogImageLoad(t *testing.T) {
	m, _ := newTestMap(t, false)
	infoPath := filepath.Join(t.TempDir(), "perfinfo.map")
	infoMap, err := openMapFile(infoPath)
	require.NoError(t, err)
	m.info = &infoFile{file: infoMap}

	mvid := [16]byte{
		0x55, 0xcf, 0x2d, 0xb0, 0x50, 0x8f, 0x8d, 0x4e,
		0xa2, 0xb6, 0xd8, 0xfb, 0xbf, 0x4b, 0x02, 0x89,
	}
	img := &fakeImage{path: "/usr/lib/app/test.dll", mvid: mvid}
	m.LogImageLoad(img)

	assert.Equal(t,
		"ImageLoad;/usr/lib/app/test.dll;{B02DCF55-8F50-4E8D-A2B6-D8FBBF4B0289};\n",
		readMap(t, infoPath))
}

func TestImageSignatureCached(t *testing.T) {
	m, _ := newTestMap(t, false)
	cache, err := newSignatureCache()
	require.NoError(t, err)
	m.signatures = cache

	img := &fakeImage{path: "/usr/lib/app/test.dll", mvid: [16]byte{1}}
	first := m.imageSignature(img)

	// A second lookup for the path short-circuits the derivation.
	img.err = fmt.Errorf("must not be derived again")
	assert.Equal(t, first, m.imageSignature(img))
}
