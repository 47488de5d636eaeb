// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

// Package peimage reads the metadata a symbol map needs from an ECMA-335 PE
// image: the module's simple name and Mvid, and for ready-to-run images the
// precompiled method entry points with their code ranges.
//
// Only the metadata tables and ready-to-run sections relevant for mapping
// are decoded; everything else is skipped over. For the main references see:
//
//	ECMA-335 https://www.ecma-international.org/wp-content/uploads/ECMA-335_6th_edition_june_2012.pdf
//	R2RFMT   https://github.com/dotnet/runtime/blob/v8.0.0/docs/design/coreclr/botr/readytorun-format.md
package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"fmt"
	"os"
	"sort"

	"github.com/openprof/perfmap/symbolmap"
)

// typeSpec is the TypeDef information kept for method naming.
type typeSpec struct {
	namespaceIdx uint32
	typeNameIdx  uint32
	// methodIdx is the first MethodDef row owned by this type.
	methodIdx uint32
	// enclosingClass is the TypeDef row of the outer type for nested
	// types, 0 otherwise.
	enclosingClass uint32
}

// methodSpec is the MethodDef information kept for method naming.
type methodSpec struct {
	nameIdx uint32
}

// entryPoint is one precompiled method with its resolved native code range.
type entryPoint struct {
	// methodIdx is the 1-based MethodDef row of the method.
	methodIdx uint32
	startRVA  uint32
	endRVA    uint32
}

// Info is the parsed mapping metadata of one PE image. All data is
// materialized at Open time; the file is not kept open.
type Info struct {
	path       string
	simpleName string
	mvid       [16]byte
	mvidValid  bool
	hasR2R     bool

	// strings holds the #Strings heap entries referenced by the kept
	// table rows, keyed by heap offset.
	strings map[uint32]string

	types       []typeSpec
	methods     []methodSpec
	entryPoints []entryPoint
}

var _ symbolmap.Image = &Info{}
var _ symbolmap.StaticImage = &Info{}

// Open parses the PE image at path.
func Open(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := &Info{path: path}
	p := &parser{info: info, ReaderAt: f}
	if err := p.parse(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return info, nil
}

// Path returns the file system path the image was opened from.
func (pi *Info) Path() string {
	return pi.path
}

// SimpleName returns the module's simple name without the file extension,
// e.g. "mscorlib".
func (pi *Info) SimpleName() string {
	return pi.simpleName
}

// Mvid returns the module version identifier embedded in the image
// metadata. It differs between two builds of the same module.
func (pi *Info) Mvid() ([16]byte, error) {
	if !pi.mvidValid {
		return [16]byte{}, fmt.Errorf("%s: module table has no Mvid", pi.path)
	}
	return pi.mvid, nil
}

// HasReadyToRun reports whether the image embeds ready-to-run native code.
func (pi *Info) HasReadyToRun() bool {
	return pi.hasR2R
}

// Methods returns an iterator over the image's precompiled methods, in
// MethodDef order. The addresses are image-relative (base 0).
func (pi *Info) Methods() *MethodIterator {
	return &MethodIterator{info: pi}
}

// resolveMethodName builds the display name for the 1-based MethodDef row
// methodIdx as Namespace.Type.Method, with nested types joined by '/'.
func (pi *Info) resolveMethodName(methodIdx uint32) string {
	if methodIdx == 0 || methodIdx > uint32(len(pi.methods)) {
		return fmt.Sprintf("<invalid method index %d/%d>", methodIdx, len(pi.methods))
	}
	if len(pi.types) == 0 {
		return pi.strings[pi.methods[methodIdx-1].nameIdx]
	}

	// Find the last type whose first method is <= methodIdx. The types
	// slice is in table order and MethodList is monotonic.
	owner := sort.Search(len(pi.types), func(i int) bool {
		return pi.types[i].methodIdx > methodIdx
	}) - 1
	if owner < 0 {
		owner = 0
	}

	spec := &pi.types[owner]
	typeName := pi.strings[spec.typeNameIdx]
	for spec.enclosingClass != 0 {
		enclosing := &pi.types[spec.enclosingClass-1]
		typeName = pi.strings[enclosing.typeNameIdx] + "/" + typeName
		spec = enclosing
	}

	name := pi.strings[pi.methods[methodIdx-1].nameIdx]
	if spec.namespaceIdx != 0 {
		return pi.strings[spec.namespaceIdx] + "." + typeName + "." + name
	}
	return typeName + "." + name
}
