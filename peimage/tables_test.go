// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseTablesWideCustomAttributeParent covers the coded index sizing for
// a target table the walk never reads: with 3000 MethodSpec rows the
// HasCustomAttribute column grows to 4 bytes, and every table after
// CustomAttribute shifts by the wider row. A width computed only from the
// walked tables under-skips CustomAttribute and misreads the Assembly name.
func TestParseTablesWideCustomAttributeParent(t *testing.T) {
	heap := &stringHeap{}
	moduleName := heap.add("test.dll")
	assemblyName := heap.add("testlib")

	var tables bytes.Buffer
	w := func(vs ...any) {
		for _, v := range vs {
			require.NoError(t, binary.Write(&tables, binary.LittleEndian, v))
		}
	}

	w(uint32(0), uint8(2), uint8(0), uint8(0), uint8(1),
		uint64(1<<tableModule|1<<tableCustomAttribute|1<<tableAssembly|
			1<<tableMethodSpec),
		uint64(0),
		[]uint32{1, 1, 1, 3000})
	// Module: Generation, Name, Mvid, EncId, EncBaseId.
	w(uint16(0), moduleName, uint16(1), uint16(0), uint16(0))
	// CustomAttribute: 4 byte Parent, Type, Value.
	w(uint32(0), uint16(0), uint16(0))
	// Assembly: HashAlgId, four version halves, Flags, PublicKey, Name,
	// Culture.
	w(uint32(0x8004), uint16(1), uint16(0), uint16(0), uint16(0), uint32(0),
		uint16(0), assemblyName, uint16(0))

	p := &parser{info: &Info{}}
	p.tables = bytes.NewReader(tables.Bytes())
	p.stringsHeap = bytes.NewReader(heap.data)
	p.guidHeap = bytes.NewReader(testMvid[:])

	require.NoError(t, p.parseTables())
	assert.Equal(t, 4, p.indexSizes[indexHasCustomAttribute])
	assert.Equal(t, "testlib", p.info.simpleName)
	assert.True(t, p.info.mvidValid)
	assert.Equal(t, testMvid, p.info.mvid)
}
