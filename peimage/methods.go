// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"github.com/openprof/perfmap/symbolmap"
)

// ReadyToRunTier labels map records produced from the ready-to-run
// execution format.
const ReadyToRunTier = "ReadyToRun"

// MethodIterator yields every precompiled method of an image as a
// symbolmap.MethodSource. Addresses are image-relative; callers mapping a
// loaded image pass the load base to the emission side.
type MethodIterator struct {
	info *Info
	pos  int
}

var _ symbolmap.MethodSource = &MethodIterator{}

// Next returns the next precompiled method.
func (it *MethodIterator) Next() (symbolmap.Method, bool) {
	if it.pos >= len(it.info.entryPoints) {
		return symbolmap.Method{}, false
	}
	ep := it.info.entryPoints[it.pos]
	it.pos++

	return symbolmap.Method{
		Name: it.info.resolveMethodName(ep.methodIdx),
		Hot: symbolmap.CodeRegion{
			Start: uint64(ep.startRVA),
			Size:  uint64(ep.endRVA - ep.startRVA),
		},
		Tier: ReadyToRunTier,
	}, true
}

// Err is always nil: the entry points are fully materialized at Open time.
func (it *MethodIterator) Err() error {
	return nil
}
