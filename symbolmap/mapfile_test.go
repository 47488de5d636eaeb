// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapFileAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.map")
	m, err := openMapFile(path)
	require.NoError(t, err)
	defer m.close()

	m.appendLine("1000 20 Foo.Bar()\n")
	m.appendLine("2000 40 Foo.Baz()\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1000 20 Foo.Bar()\n2000 40 Foo.Baz()\n", string(data))
}

func TestMapFileOpenFailure(t *testing.T) {
	_, err := openMapFile(filepath.Join(t.TempDir(), "missing", "test.map"))
	require.Error(t, err)
}

// shortWriter accepts the first write partially and records every call.
type shortWriter struct {
	calls int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	w.calls++
	return len(p) - 1, nil
}

func TestMapFileFailureLatch(t *testing.T) {
	w := &shortWriter{}
	m := &mapFile{w: w}

	m.appendLine("1000 20 Foo.Bar()\n")
	require.True(t, m.failed.Load(), "short write must latch the failure")

	// All further appends are rejected without touching the writer.
	m.appendLine("2000 40 Foo.Baz()\n")
	m.appendLine("3000 40 Foo.Qux()\n")
	assert.Equal(t, 1, w.calls)

	// close is still safe after a failure.
	m.close()
}

func TestMapFileFailurePreservesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.map")
	m, err := openMapFile(path)
	require.NoError(t, err)
	defer m.close()

	m.appendLine("1000 20 Foo.Bar()\n")
	m.failed.Store(true)
	m.appendLine("2000 40 Foo.Baz()\n")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1000 20 Foo.Bar()\n", string(data))
}
