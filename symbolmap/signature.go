// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"strings"

	"github.com/google/uuid"
)

// Signature formats an image's Mvid as its map signature: the canonical
// braced GUID text form, e.g. {B02DCF55-8F50-4E8D-A2B6-D8FBBF4B0289}.
//
// The Mvid is used as the signature since ready-to-run images do not carry a
// native image signature of their own. The raw bytes come from the metadata
// #GUID heap and are in GUID memory layout: the first three fields are
// little-endian, the rest is a byte array.
func Signature(mvid [16]byte) string {
	var b [16]byte
	b[0], b[1], b[2], b[3] = mvid[3], mvid[2], mvid[1], mvid[0]
	b[4], b[5] = mvid[5], mvid[4]
	b[6], b[7] = mvid[7], mvid[6]
	copy(b[8:], mvid[8:])

	// Cannot fail for a 16 byte input.
	id, _ := uuid.FromBytes(b[:])
	return "{" + strings.ToUpper(id.String()) + "}"
}

// mvidSource is the part of an image descriptor that signature derivation
// needs. Both Image and StaticImage satisfy it.
type mvidSource interface {
	Mvid() ([16]byte, error)
}

// ImageSignature derives the signature of img, or an empty string when the
// Mvid is not available.
func ImageSignature(img mvidSource) string {
	mvid, err := img.Mvid()
	if err != nil {
		return ""
	}
	return Signature(mvid)
}
