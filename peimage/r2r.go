// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// r2rSignature is "RTR\0".
	r2rSignature = 0x00525452

	// R2RFMT section identifiers.
	r2rSectionRuntimeFunctions     = 102
	r2rSectionMethodDefEntryPoints = 103
)

// r2rHeader is the R2RFMT READYTORUN_HEADER together with the
// READYTORUN_CORE_HEADER.
type r2rHeader struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Flags        uint32
	NumSections  uint32
}

// r2rSection is the R2RFMT READYTORUN_SECTION.
type r2rSection struct {
	Type    uint32
	Section pe.DataDirectory
}

// r2rRuntimeFunction is the R2RFMT RUNTIME_FUNCTION for x86_64.
type r2rRuntimeFunction struct {
	StartRVA  uint32
	EndRVA    uint32
	UnwindRVA uint32
}

// parseR2R reads the ready-to-run data directory and materializes the
// precompiled method entry points.
func (p *parser) parseR2R(dd pe.DataDirectory) error {
	r, err := p.rvaReader(dd)
	if err != nil {
		return err
	}
	var hdr r2rHeader
	if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if hdr.Signature != r2rSignature {
		// An ILLibrary image without ready-to-run code.
		return nil
	}
	p.info.hasR2R = true

	// The section array is sorted by type.
	var funcs, entryPoints *io.SectionReader
	for i := uint32(0); i < hdr.NumSections; i++ {
		var s r2rSection
		if err = binary.Read(r, binary.LittleEndian, &s); err != nil {
			return err
		}
		switch s.Type {
		case r2rSectionRuntimeFunctions:
			if funcs, err = p.rvaReader(s.Section); err != nil {
				return err
			}
		case r2rSectionMethodDefEntryPoints:
			if entryPoints, err = p.rvaReader(s.Section); err != nil {
				return err
			}
		}
	}
	if funcs == nil || entryPoints == nil {
		return nil
	}
	return p.parseEntryPoints(funcs, entryPoints)
}

// parseEntryPoints walks the MethodDefEntryPoints table and resolves each
// entry to its native code range in the RuntimeFunctions table.
func (p *parser) parseEntryPoints(funcs io.ReadSeeker, entryPoints io.ReaderAt) error {
	st := sparseTable{ReaderAt: entryPoints}
	prevRVA := uint32(0)

	// The table is a lookup table indexed by 0-based MethodDef row, the
	// entry value encodes the RuntimeFunctions table index. Decoding per:
	// https://github.com/dotnet/runtime/blob/v8.0.0/src/coreclr/vm/readytoruninfo.cpp#L1181
	return st.walk(func(index, id uint32) error {
		if id&1 != 0 {
			id >>= 2
		} else {
			id >>= 1
		}

		var f r2rRuntimeFunction
		if _, err := funcs.Seek(int64(id)*int64(binary.Size(f)),
			io.SeekStart); err != nil {
			return err
		}
		if err := binary.Read(funcs, binary.LittleEndian, &f); err != nil {
			return err
		}
		if f.EndRVA < f.StartRVA {
			return fmt.Errorf("inverted R2R code range: %x-%x",
				f.StartRVA, f.EndRVA)
		}
		if f.StartRVA < prevRVA {
			return fmt.Errorf("non-monotonic R2R code RVA: %x < %x",
				f.StartRVA, prevRVA)
		}
		prevRVA = f.StartRVA

		p.info.entryPoints = append(p.info.entryPoints, entryPoint{
			methodIdx: index + 1,
			startRVA:  f.StartRVA,
			endRVA:    f.EndRVA,
		})
		return nil
	})
}
