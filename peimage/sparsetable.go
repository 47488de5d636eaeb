// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

const (
	sparseBlockSize = uint32(16)
	sparseBlockMask = sparseBlockSize - 1
)

// sparseTable decodes the ready-to-run "Native Format" sparse array. The
// R2RFMT document leaves the format as a TODO item; the reference lookup
// code is at:
// https://github.com/dotnet/runtime/blob/v8.0.0/src/coreclr/vm/nativeformatreader.h#L370
type sparseTable struct {
	io.ReaderAt
}

// uint decodes one native-format variable length unsigned integer at offs.
// The count of trailing one bits in the first byte selects the width: zero
// means a single byte carrying 7 value bits, each further bit adds a byte,
// and four selects a full little-endian uint32 in the following four bytes.
func (st *sparseTable) uint(offs int64) (value uint32, newOffs int64, err error) {
	var buf [5]byte
	n, err := st.ReadAt(buf[:], offs)
	if n == 0 {
		return 0, offs, err
	}
	width := bits.TrailingZeros8(^buf[0]) + 1
	if width > len(buf) {
		return 0, offs, fmt.Errorf("invalid native uint format byte %#02x", buf[0])
	}
	if n < width {
		// err is non-nil here: the read came up short.
		return 0, offs, err
	}
	if width == len(buf) {
		return binary.LittleEndian.Uint32(buf[1:]), offs + int64(width), nil
	}
	for i := width; i < 4; i++ {
		buf[i] = 0
	}
	return binary.LittleEndian.Uint32(buf[:4]) >> width, offs + int64(width), nil
}

// walkBlock recurses down one block's binary tree, decoding the entry value
// at every present leaf.
func (st *sparseTable) walkBlock(offset int64, index, bitMask uint32,
	cb func(index, value uint32) error) error {
	if bitMask == 0 {
		value, _, err := st.uint(offset)
		if err != nil {
			return err
		}
		return cb(index, value)
	}

	node, nextOffset, err := st.uint(offset)
	if err != nil {
		return err
	}
	if node&3 == 0 {
		// The subtree collapsed: node names the single present index
		// within the block, values past the block size mean no entry.
		if node >= 0x40 {
			return nil
		}
		return st.walkBlock(nextOffset, (index&^sparseBlockMask)|(node>>2), 0, cb)
	}
	if node&1 != 0 {
		// Left child, bit not set.
		if err = st.walkBlock(nextOffset, index, bitMask>>1, cb); err != nil {
			return err
		}
	}
	if node&2 != 0 {
		// Right child, bit set, placed node>>2 bytes past this node.
		return st.walkBlock(offset+int64(node>>2), index|bitMask, bitMask>>1, cb)
	}
	return nil
}

// walk enumerates every entry present in the table in index order, passing
// the decoded entry value to cb.
func (st *sparseTable) walk(cb func(index, value uint32) error) error {
	header, base, err := st.uint(0)
	if err != nil {
		return err
	}
	entrySize := 4
	switch header & 3 {
	case 0:
		entrySize = 1
	case 1:
		entrySize = 2
	}
	numElems := header >> 2

	indexOffs := base
	for i := uint32(0); i < numElems; i += sparseBlockSize {
		var ebuf [4]byte
		if _, err := st.ReadAt(ebuf[:entrySize], indexOffs); err != nil {
			return err
		}
		indexOffs += int64(entrySize)

		blockOffs := binary.LittleEndian.Uint32(ebuf[:])
		if err := st.walkBlock(base+int64(blockOffs), i, sparseBlockSize>>1,
			cb); err != nil {
			return err
		}
	}
	return nil
}
