// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"fmt"
	"strings"
)

// staticAddrDigits is the fixed address width used for image-relative
// records. Offsets are printed as 32-bit numbers for consistent output when
// cross-targeting and to make the output more compact.
const staticAddrDigits = 8

// record is one logical map line: an address range and its display label.
type record struct {
	addr  uint64
	size  uint64
	label string
	tier  string
}

// format renders the record as one map file line:
//
//	<hex-address> <hex-size> <label>[ '[' tier ']' ]\n
//
// addrDigits > 0 zero-pads the address to that width, 0 uses the native
// variable width. The tier suffix is emitted only when tier display is
// enabled and a tier was supplied.
func (r *record) format(addrDigits int, showTier bool) string {
	var sb strings.Builder
	if addrDigits > 0 {
		fmt.Fprintf(&sb, "%0*x %x %s", addrDigits, r.addr, r.size, r.label)
	} else {
		fmt.Fprintf(&sb, "%x %x %s", r.addr, r.size, r.label)
	}
	if showTier && r.tier != "" {
		sb.WriteString("[" + r.tier + "]")
	}
	sb.WriteByte('\n')
	return sb.String()
}
