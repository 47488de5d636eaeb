// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"io"
	"os"
	"sync/atomic"
)

// mapFile is an exclusively owned, append-only output stream for one map
// file. After the first short or failed write it latches into a failed state
// and all further appends are dropped. The file descriptor stays open until
// close() so that the failure path does not need to synchronize with
// concurrent writers touching the handle.
type mapFile struct {
	f *os.File
	// w is the write target. Normally f; split out so the failure latch
	// can be exercised without a real file.
	w      io.Writer
	failed atomic.Bool
}

// openMapFile creates path for writing. There is no retry: if the create
// fails, the owning map runs with a nil file and every logging call is a
// no-op.
func openMapFile(path string) (*mapFile, error) {
	// O_APPEND so the kernel serializes concurrent line writes.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &mapFile{f: f, w: f}, nil
}

// appendLine writes one newline-terminated record. Each record is a single
// write call, relying on O_APPEND atomicity for line-sized writes instead of
// an internal lock.
func (m *mapFile) appendLine(line string) {
	if m.failed.Load() {
		return
	}
	n, err := io.WriteString(m.w, line)
	if err != nil || n != len(line) {
		// Stop writing. The handle remains open until close().
		m.failed.Store(true)
	}
}

// close releases the file handle. Safe to call on a never-opened or failed
// instance.
func (m *mapFile) close() {
	if m == nil || m.f == nil {
		return
	}
	_ = m.f.Close()
	m.f = nil
}
