// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package symbolmap // import "github.com/openprof/perfmap/symbolmap"

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CodeRegion is one contiguous chunk of a method's native code.
type CodeRegion struct {
	// Start is the region's first byte, in the address space the
	// enumerating source uses (process, or image-relative with base 0).
	Start uint64
	// Size is the region's byte count. Zero means the region is unused.
	Size uint64
}

// Method is one precompiled method yielded by a MethodSource. Precompiled
// code may be split into a hot and a cold region placed in separate memory
// areas; either region may be unused.
type Method struct {
	Name string
	Hot  CodeRegion
	Cold CodeRegion
	// Tier identifies the execution format that produced the code, empty
	// for formats without a tier label.
	Tier string
}

// MethodSource enumerates every precompiled method of one image. The two
// implementations are the method-table walk for full native-code images and
// the ready-to-run entry point iterator (peimage.MethodIterator); emission
// consumes both uniformly. Iteration order is whatever the source yields:
// it is deterministic for a fixed image but not stable across sources.
type MethodSource interface {
	// Next returns the next method, or false when the enumeration is done.
	Next() (Method, bool)
	// Err reports the error that terminated the enumeration early, if any.
	Err() error
}

// StaticImage describes the image an offline map is produced for.
// Implemented by peimage.Info.
type StaticImage interface {
	// SimpleName is the image's simple assembly name, e.g. "mscorlib".
	SimpleName() string
	// Mvid returns the image's embedded metadata identifier.
	Mvid() ([16]byte, error)
}

// StaticImageMap writes the symbol map for one ahead-of-time compiled image.
// Unlike the live process map its records are image-relative so that the
// consuming tool can rebase them at load time.
type StaticImageMap struct {
	file      *mapFile
	showTiers bool
}

// NewStaticImageMap creates the map file for img in outDir. The file is
// named <simpleName>.ni.<signature>.map, e.g. mscorlib.ni.{GUID}.map, so
// that symbols can be matched back to the exact image build.
func NewStaticImageMap(img StaticImage, outDir string, showTiers bool) (*StaticImageMap, error) {
	path := filepath.Join(outDir,
		fmt.Sprintf("%s.ni.%s.map", img.SimpleName(), ImageSignature(img)))

	file, err := openMapFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create image map: %w", err)
	}
	return &StaticImageMap{file: file, showTiers: showTiers}, nil
}

// LogAllMethods drains src and emits a record for every used code region,
// relative to imageBase. An error from the source ends the enumeration;
// methods already yielded stay logged.
func (m *StaticImageMap) LogAllMethods(src MethodSource, imageBase uint64) {
	for {
		meth, ok := src.Next()
		if !ok {
			break
		}
		m.LogPrecompiledMethod(&meth, imageBase)
	}
	if err := src.Err(); err != nil {
		log.Warnf("Method enumeration ended early: %v", err)
	}
}

// LogPrecompiledMethod emits one record per used region of meth. Addresses
// are rebased against imageBase; a zero-size region is never emitted.
func (m *StaticImageMap) LogPrecompiledMethod(meth *Method, imageBase uint64) {
	m.logRegion(meth.Name, meth.Hot, imageBase, meth.Tier)
	m.logRegion(meth.Name, meth.Cold, imageBase, meth.Tier)
}

func (m *StaticImageMap) logRegion(name string, region CodeRegion, imageBase uint64,
	tier string) {
	if region.Size == 0 {
		return
	}
	r := record{addr: region.Start - imageBase, size: region.Size, label: name, tier: tier}
	m.file.appendLine(r.format(staticAddrDigits, m.showTiers))
}

// Close releases the map file handle. Called at the end of the per-image
// compilation job.
func (m *StaticImageMap) Close() {
	m.file.close()
}
