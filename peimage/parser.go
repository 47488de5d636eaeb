// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

// headerArea is the file prefix that must contain all PE headers. The CLR
// requires the headers to fit in the first 4K.
const headerArea = 4096

// optionalHeader32 is the IMAGE_OPTIONAL_HEADER32 without its Magic or
// DataDirectory array.
type optionalHeader32 struct {
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// optionalHeader64 is the IMAGE_OPTIONAL_HEADER64 without its Magic or
// DataDirectory array.
type optionalHeader64 struct {
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// cliHeader is the ECMA-335 II.25.3.3 CLI header.
type cliHeader struct {
	SizeOfHeader            uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                pe.DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               pe.DataDirectory
	StrongNameSignature     pe.DataDirectory
	CodeManagerTable        pe.DataDirectory
	VTableFixups            pe.DataDirectory
	ExportAddressTableJumps pe.DataDirectory
	ManagedNativeHeader     pe.DataDirectory
}

// comimageFlagsILLibrary marks an image containing native code.
// ECMA-335 II.25.3.3.1 Runtime flags, R2RFMT "PE Headers and CLI Headers".
const comimageFlagsILLibrary = 0x04

// metadataRoot is the fixed length prefix of the ECMA-335 II.24.2.1
// Metadata root.
type metadataRoot struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Length       uint32
}

// streamHeader is the fixed length prefix of the ECMA-335 II.24.2.2 Stream
// header.
type streamHeader struct {
	Offset uint32
	Size   uint32
}

// parser holds the transient state while reading one PE image. Most of the
// decoding helpers record the first failure in err and become no-ops, so
// the row readers can stay linear.
type parser struct {
	info    *Info
	headers []byte

	io.ReaderAt
	io.ReadSeeker

	err error

	peBase   int64
	nt       pe.FileHeader
	cli      pe.DataDirectory
	sections []pe.SectionHeader32

	indexSizes [indexCount]int
	// rows holds the row count of every metadata table, including the
	// ones past tableCount: they still decide coded index widths.
	rows [64]uint32

	tables      io.ReadSeeker
	stringsHeap io.ReaderAt
	guidHeap    io.ReaderAt
}

func (p *parser) parse() error {
	// Small images can be shorter than the header area, EOF is fine here.
	p.headers = make([]byte, headerArea)
	n, err := p.ReadAt(p.headers, 0)
	if n < 0x40 {
		return fmt.Errorf("failed to read PE headers: %w", err)
	}
	p.headers = p.headers[:n]
	p.ReadSeeker = bytes.NewReader(p.headers)

	for _, step := range []func() error{
		p.parseMZ,
		p.parsePE,
		p.parseOptionalHeader,
		p.parseCLI,
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseMZ() error {
	// ECMA-335 II.25.2.1 "MS-DOS header"
	if p.headers[0] != 'M' || p.headers[1] != 'Z' {
		return fmt.Errorf("invalid MZ header: %x", p.headers[0:2])
	}

	signoff := int64(binary.LittleEndian.Uint32(p.headers[0x3c:]))
	if signoff >= int64(len(p.headers)-4) {
		return fmt.Errorf("invalid PE offset: %x", signoff)
	}
	if !bytes.Equal(p.headers[signoff:signoff+4], []byte{'P', 'E', 0, 0}) {
		return fmt.Errorf("invalid PE magic: %x", p.headers[signoff:signoff+4])
	}
	p.peBase = signoff + 4
	return nil
}

func (p *parser) parsePE() error {
	// ECMA-335 II.25.2.2 "PE File header"
	_, _ = p.Seek(p.peBase, io.SeekStart)
	if err := binary.Read(p, binary.LittleEndian, &p.nt); err != nil {
		return err
	}

	// ECMA-335 says Machine is always IMAGE_FILE_MACHINE_I386; ready-to-run
	// images set it to the platform the native code was generated for.
	// Only the x86_64 RUNTIME_FUNCTION layout is decoded, so other
	// ready-to-run targets are rejected here.
	switch p.nt.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64,
		pe.IMAGE_FILE_MACHINE_I386:
		// ok
	default:
		return fmt.Errorf("unrecognized PE machine: %#x", p.nt.Machine)
	}
	return nil
}

func (p *parser) parseOptionalHeader() error {
	// ECMA-335 II.25.2.3 "PE optional header"
	if _, err := p.Seek(p.peBase+int64(binary.Size(p.nt)), io.SeekStart); err != nil {
		return err
	}

	var magic uint16
	if err := binary.Read(p, binary.LittleEndian, &magic); err != nil {
		return err
	}

	// ECMA-335 II.25.2.3.1 requires a PE32 (0x10b) header, but CLR internal
	// PE files actually carry a PE32+ header.
	var numDirectories, sizeHeaders uint32
	switch magic {
	case 0x10b: // PE32
		var opt optionalHeader32
		if err := binary.Read(p, binary.LittleEndian, &opt); err != nil {
			return err
		}
		sizeHeaders = opt.SizeOfHeaders
		numDirectories = opt.NumberOfRvaAndSizes
	case 0x20b: // PE32+
		var opt optionalHeader64
		if err := binary.Read(p, binary.LittleEndian, &opt); err != nil {
			return err
		}
		sizeHeaders = opt.SizeOfHeaders
		numDirectories = opt.NumberOfRvaAndSizes
	default:
		return fmt.Errorf("invalid optional header magic: %x", magic)
	}
	if sizeHeaders > uint32(len(p.headers)) {
		return fmt.Errorf("invalid header size: %d", sizeHeaders)
	}
	if numDirectories < 0x10 {
		return fmt.Errorf("invalid number of data directories: %d", numDirectories)
	}

	// ECMA-335 II.25.2.3.3 "PE header data directories": slot 14 is the
	// CLI Header entry.
	dirSize := int64(binary.Size(pe.DataDirectory{}))
	if _, err := p.Seek(14*dirSize, io.SeekCurrent); err != nil {
		return err
	}
	if err := binary.Read(p, binary.LittleEndian, &p.cli); err != nil {
		return err
	}
	if _, err := p.Seek(int64(numDirectories-15)*dirSize, io.SeekCurrent); err != nil {
		return err
	}

	p.sections = make([]pe.SectionHeader32, p.nt.NumberOfSections)
	if err := binary.Read(p, binary.LittleEndian, p.sections); err != nil {
		return err
	}
	for i, section := range p.sections {
		if section.VirtualSize >= 0x10000000 || section.VirtualAddress >= 0x10000000 {
			return fmt.Errorf("section %d has implausible mapping %#x+%#x",
				i, section.VirtualAddress, section.VirtualSize)
		}
	}
	return nil
}

// rvaReader finds the PE section containing the data directory dd and
// returns a reader for its file range.
func (p *parser) rvaReader(dd pe.DataDirectory) (*io.SectionReader, error) {
	for _, s := range p.sections {
		if dd.VirtualAddress >= s.VirtualAddress &&
			dd.VirtualAddress+dd.Size <= s.VirtualAddress+s.VirtualSize {
			return io.NewSectionReader(p.ReaderAt,
				int64(dd.VirtualAddress)-int64(s.VirtualAddress)+
					int64(s.PointerToRawData),
				int64(dd.Size)), nil
		}
	}
	return nil, fmt.Errorf("no section maps %#x-%#x",
		dd.VirtualAddress, dd.VirtualAddress+dd.Size)
}

func roundUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func (p *parser) parseCLI() error {
	r, err := p.rvaReader(p.cli)
	if err != nil {
		return err
	}

	var cli cliHeader
	if err = binary.Read(r, binary.LittleEndian, &cli); err != nil {
		return err
	}

	if err = p.parseMetadata(cli.MetaData); err != nil {
		return err
	}

	if cli.Flags&comimageFlagsILLibrary != 0 {
		return p.parseR2R(cli.ManagedNativeHeader)
	}
	return nil
}

func (p *parser) parseMetadata(dd pe.DataDirectory) error {
	// ECMA-335 II.24.2.1 Metadata root
	r, err := p.rvaReader(dd)
	if err != nil {
		return err
	}
	var root metadataRoot
	if err = binary.Read(r, binary.LittleEndian, &root); err != nil {
		return err
	}
	if root.Signature != 0x424a5342 {
		return fmt.Errorf("invalid metadata signature %#x", root.Signature)
	}
	// Skip the version string and the Flags halfword.
	if _, err = r.Seek(int64(roundUp(root.Length, 4)+2), io.SeekCurrent); err != nil {
		return err
	}

	var numStreams uint16
	if err = binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return err
	}
	for i := uint16(0); i < numStreams; i++ {
		// ECMA-335 II.24.2.2 Stream header: fixed prefix plus a
		// zero-terminated name padded to 4 bytes.
		var hdr streamHeader
		if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return err
		}
		name, err := readStreamName(r)
		if err != nil {
			return err
		}
		switch name {
		case "#Strings":
			// ECMA-335 II.24.2.3 #Strings heap
			p.stringsHeap = io.NewSectionReader(r, int64(hdr.Offset), int64(hdr.Size))
		case "#GUID":
			// ECMA-335 II.24.2.5 #GUID heap
			p.guidHeap = io.NewSectionReader(r, int64(hdr.Offset), int64(hdr.Size))
		case "#~":
			// ECMA-335 II.24.2.6 #~ stream
			p.tables = io.NewSectionReader(r, int64(hdr.Offset), int64(hdr.Size))
		}
	}
	if p.tables == nil {
		return fmt.Errorf("no #~ metadata stream")
	}
	return p.parseTables()
}

func readStreamName(r io.Reader) (string, error) {
	var buf [32]byte
	for i := 0; i < len(buf); i += 4 {
		block := buf[i : i+4]
		if _, err := io.ReadFull(r, block); err != nil {
			return "", err
		}
		if n := bytes.IndexByte(block, 0); n >= 0 {
			return string(buf[:i+n]), nil
		}
	}
	return "", fmt.Errorf("unterminated stream name")
}

// readString reads one entry of the #Strings heap.
func (p *parser) readString(offs uint32) string {
	if offs == 0 {
		return ""
	}
	// Zero terminated. Read in chunks, names are usually short.
	var str [1024]byte
	const chunkSize = 128
	for i := 0; i < len(str); i += chunkSize {
		chunk := str[i : i+chunkSize]
		n, err := p.stringsHeap.ReadAt(chunk, int64(offs)+int64(i))
		if n == 0 && err != nil {
			return ""
		}
		if zero := bytes.IndexByte(chunk[:n], 0); zero >= 0 {
			return string(str[:i+zero])
		}
	}
	// Likely a broken string.
	return ""
}

// readGUID reads one entry of the #GUID heap. The heap is 1-based and holds
// raw 16 byte GUIDs.
func (p *parser) readGUID(offs uint32) ([16]byte, bool) {
	var guid [16]byte
	if offs == 0 || p.guidHeap == nil {
		return guid, false
	}
	if _, err := p.guidHeap.ReadAt(guid[:], int64(offs-1)*16); err != nil {
		return guid, false
	}
	return guid, true
}
