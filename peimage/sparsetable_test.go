// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseTableUint(t *testing.T) {
	tests := map[string]struct {
		data     []byte
		expected uint32
		length   int64
	}{
		"zero":       {data: []byte{0x00}, expected: 0, length: 1},
		"one":        {data: []byte{0x02}, expected: 1, length: 1},
		"one byte":   {data: []byte{0x18}, expected: 12, length: 1},
		"two byte":   {data: []byte{0xa1, 0x0f}, expected: 1000, length: 2},
		"three byte": {data: []byte{0x03, 0x35, 0x0c}, expected: 100000, length: 3},
		"five byte": {
			data:     []byte{0x0f, 0x40, 0x42, 0x0f, 0x00},
			expected: 1000000,
			length:   5,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			st := &sparseTable{bytes.NewReader(test.data)}
			value, newOffs, err := st.uint(0)
			require.NoError(t, err)
			assert.Equal(t, test.expected, value)
			assert.Equal(t, test.length, newOffs)
		})
	}

	t.Run("invalid length prefix", func(t *testing.T) {
		st := &sparseTable{bytes.NewReader([]byte{0x1f})}
		_, _, err := st.uint(0)
		assert.Error(t, err)
	})

	t.Run("truncated value", func(t *testing.T) {
		// A two byte encoding with only one byte available.
		st := &sparseTable{bytes.NewReader([]byte{0xa1})}
		_, _, err := st.uint(0)
		assert.Error(t, err)
	})
}

func TestSparseTableWalk(t *testing.T) {
	// A 16 element array with entries at index 0 and 8. Layout:
	//
	//   0x80        header: 16 elements, 1 byte block offsets
	//   0x01        block 0 starts 1 byte past the header
	//   0x1e        tree node: both children present, right at +3
	//   0x00        left subtree collapses to single entry, index 0
	//   0x08        entry for index 0, value 4
	//   0x40        right subtree collapses to single entry, index 8
	//   0x0a        entry for index 8, value 5
	st := &sparseTable{bytes.NewReader(
		[]byte{0x80, 0x01, 0x1e, 0x00, 0x08, 0x40, 0x0a})}

	type entry struct {
		index uint32
		value uint32
	}
	var entries []entry
	err := st.walk(func(index, value uint32) error {
		entries = append(entries, entry{index, value})
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []entry{{0, 4}, {8, 5}}, entries)
}
