// Copyright The perfmap Authors
// SPDX-License-Identifier: Apache-2.0

package peimage // import "github.com/openprof/perfmap/peimage"

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
)

// Metadata table numbers, ECMA-335 II.22.
const (
	tableModule                 = 0x00
	tableTypeRef                = 0x01
	tableTypeDef                = 0x02
	tableFieldPtr               = 0x03
	tableField                  = 0x04
	tableMethodPtr              = 0x05
	tableMethodDef              = 0x06
	tableParam                  = 0x08
	tableInterfaceImpl          = 0x09
	tableMemberRef              = 0x0a
	tableConstant               = 0x0b
	tableCustomAttribute        = 0x0c
	tableFieldMarshal           = 0x0d
	tableDeclSecurity           = 0x0e
	tableClassLayout            = 0x0f
	tableFieldLayout            = 0x10
	tableStandAloneSig          = 0x11
	tableEventMap               = 0x12
	tableEventPtr               = 0x13
	tableEvent                  = 0x14
	tablePropertyMap            = 0x15
	tablePropertyPtr            = 0x16
	tableProperty               = 0x17
	tableMethodSemantics        = 0x18
	tableMethodImpl             = 0x19
	tableModuleRef              = 0x1a
	tableTypeSpec               = 0x1b
	tableImplMap                = 0x1c
	tableFieldRVA               = 0x1d
	tableAssembly               = 0x20
	tableAssemblyProcessor      = 0x21
	tableAssemblyOS             = 0x22
	tableAssemblyRef            = 0x23
	tableAssemblyRefProcessor   = 0x24
	tableAssemblyRefOS          = 0x25
	tableFile                   = 0x26
	tableExportedType           = 0x27
	tableManifestResource       = 0x28
	tableNestedClass            = 0x29
	tableGenericParam           = 0x2a
	tableMethodSpec             = 0x2b
	tableGenericParamConstraint = 0x2c

	// tableCount covers the tables up to the last one mapping walks.
	// Later tables are never read, but their row counts still feed the
	// coded index width computation.
	tableCount = tableNestedClass + 1
)

// Index kinds used as metadata table column values. Heap indexes are
// defined in ECMA-335 II.24.2.[345], coded indexes in II.24.2.6.
const (
	indexString = iota
	indexGUID
	indexBlob
	indexResolutionScope
	indexTypeDefOrRef
	indexMethodDefOrRef
	indexMemberRefParent
	indexHasConstant
	indexHasCustomAttribute
	indexCustomAttributeType
	indexHasFieldMarshal
	indexHasDeclSecurity
	indexHasSemantics
	indexMemberForwarded
	indexImplementation
	indexTypeDef
	indexField
	indexMethodDef
	indexParam
	indexEvent
	indexProperty
	indexModuleRef
	indexCount
)

// codedIndexTargets lists, per coded index kind, the tables the index can
// point at. The target counts decide whether the column is 2 or 4 bytes.
var codedIndexTargets = map[int][]int{
	indexResolutionScope: {tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef},
	indexTypeDefOrRef:    {tableTypeDef, tableTypeRef, tableTypeSpec},
	indexMethodDefOrRef:  {tableMethodDef, tableMemberRef},
	indexMemberRefParent: {tableTypeDef, tableTypeRef, tableModuleRef, tableMethodDef,
		tableTypeSpec},
	indexHasConstant: {tableField, tableParam, tableProperty},
	indexHasCustomAttribute: {tableMethodDef, tableField, tableTypeRef, tableTypeDef,
		tableParam, tableInterfaceImpl, tableMemberRef, tableModule, tableDeclSecurity,
		tableProperty, tableEvent, tableStandAloneSig, tableModuleRef, tableTypeSpec,
		tableAssembly, tableAssemblyRef, tableFile, tableExportedType,
		tableManifestResource, tableGenericParam, tableGenericParamConstraint,
		tableMethodSpec},
	indexCustomAttributeType: {tableMethodDef, tableMemberRef},
	indexHasFieldMarshal:     {tableField, tableParam},
	indexHasDeclSecurity:     {tableTypeDef, tableMethodDef, tableAssembly},
	indexHasSemantics:        {tableEvent, tableProperty},
	indexMemberForwarded:     {tableField, tableMethodDef},
	indexImplementation:      {tableFile, tableAssemblyRef, tableExportedType},
	indexTypeDef:             {tableTypeDef},
	indexField:               {tableField},
	indexMethodDef:           {tableMethodDef},
	indexParam:               {tableParam},
	indexEvent:               {tableEvent},
	indexProperty:            {tableProperty},
	indexModuleRef:           {tableModuleRef},
}

// codedIndexTagBits is the tag bit count of each coded index kind.
var codedIndexTagBits = map[int]int{
	indexResolutionScope:     2,
	indexTypeDefOrRef:        2,
	indexMethodDefOrRef:      1,
	indexMemberRefParent:     3,
	indexHasConstant:         2,
	indexHasCustomAttribute:  5,
	indexCustomAttributeType: 3,
	indexHasFieldMarshal:     1,
	indexHasDeclSecurity:     2,
	indexHasSemantics:        1,
	indexMemberForwarded:     1,
	indexImplementation:      2,
}

// column describes one metadata table column: a positive value is a fixed
// byte width, a negative value is an index kind encoded as ^kind.
type column int8

func idx(kind int) column {
	return column(^kind)
}

// tableColumns describes the row layout of every table mapping has to walk
// past, per ECMA-335 II.22. The pointer tables (FieldPtr etc.) are
// undocumented indirection tables emitted by some older compilers.
var tableColumns = [tableCount][]column{
	tableModule:        {2, idx(indexString), idx(indexGUID), idx(indexGUID), idx(indexGUID)},
	tableTypeRef:       {idx(indexResolutionScope), idx(indexString), idx(indexString)},
	tableTypeDef:       {4, idx(indexString), idx(indexString), idx(indexTypeDefOrRef), idx(indexField), idx(indexMethodDef)},
	tableFieldPtr:      {idx(indexField)},
	tableField:         {2, idx(indexString), idx(indexBlob)},
	tableMethodPtr:     {idx(indexMethodDef)},
	tableMethodDef:     {4, 2, 2, idx(indexString), idx(indexBlob), idx(indexParam)},
	tableParam:         {2, 2, idx(indexString)},
	tableInterfaceImpl: {idx(indexTypeDef), idx(indexTypeDefOrRef)},
	tableMemberRef:     {idx(indexMemberRefParent), idx(indexString), idx(indexBlob)},
	tableConstant:      {2, idx(indexHasConstant), idx(indexBlob)},
	tableCustomAttribute: {idx(indexHasCustomAttribute), idx(indexCustomAttributeType),
		idx(indexBlob)},
	tableFieldMarshal:    {idx(indexHasFieldMarshal), idx(indexBlob)},
	tableDeclSecurity:    {2, idx(indexHasDeclSecurity), idx(indexBlob)},
	tableClassLayout:     {2, 4, idx(indexTypeDef)},
	tableFieldLayout:     {4, idx(indexField)},
	tableStandAloneSig:   {idx(indexBlob)},
	tableEventMap:        {idx(indexTypeDef), idx(indexEvent)},
	tableEventPtr:        {idx(indexEvent)},
	tableEvent:           {2, idx(indexString), idx(indexTypeDefOrRef)},
	tablePropertyMap:     {idx(indexTypeDef), idx(indexProperty)},
	tablePropertyPtr:     {idx(indexProperty)},
	tableProperty:        {2, idx(indexString), idx(indexBlob)},
	tableMethodSemantics: {2, idx(indexMethodDef), idx(indexHasSemantics)},
	tableMethodImpl: {idx(indexTypeDef), idx(indexMethodDefOrRef),
		idx(indexMethodDefOrRef)},
	tableModuleRef: {idx(indexString)},
	tableTypeSpec:  {idx(indexBlob)},
	tableImplMap: {2, idx(indexMemberForwarded), idx(indexString),
		idx(indexModuleRef)},
	tableFieldRVA: {4, idx(indexField)},
	tableAssembly: {4, 2, 2, 2, 2, 4, idx(indexBlob), idx(indexString),
		idx(indexString)},
	tableAssemblyRef: {2, 2, 2, 2, 4, idx(indexBlob), idx(indexString),
		idx(indexString), idx(indexBlob)},
	tableFile:             {4, idx(indexString), idx(indexBlob)},
	tableExportedType:     {4, 4, idx(indexString), idx(indexString), idx(indexImplementation)},
	tableManifestResource: {4, 4, idx(indexString), idx(indexImplementation)},
	tableNestedClass:      {idx(indexTypeDef), idx(indexTypeDef)},
}

func heapIndexSize(isLarge bool) int {
	if isLarge {
		return 4
	}
	return 2
}

// indexSize returns the byte width of the index kind, ECMA-335 II.24.2.6:
// 4 bytes once the largest target table no longer fits in 16-tagBits bits.
func (p *parser) indexSize(kind int) int {
	maxRows := uint32(0)
	for _, table := range codedIndexTargets[kind] {
		if p.rows[table] > maxRows {
			maxRows = p.rows[table]
		}
	}
	if maxRows >= uint32(1)<<(16-codedIndexTagBits[kind]) {
		return 4
	}
	return 2
}

func (p *parser) columnSize(c column) int {
	if c >= 0 {
		return int(c)
	}
	return p.indexSizes[int(^c)]
}

func (p *parser) rowSize(table int) int {
	size := 0
	for _, c := range tableColumns[table] {
		size += p.columnSize(c)
	}
	return size
}

// skipRows seeks past n rows of table in the #~ stream.
func (p *parser) skipRows(table int, n uint32) {
	if p.err != nil || n == 0 {
		return
	}
	_, p.err = p.tables.Seek(int64(p.rowSize(table))*int64(n), io.SeekCurrent)
}

// readIndex reads one index column of the given kind from the #~ stream.
func (p *parser) readIndex(kind int) uint32 {
	if p.err != nil {
		return 0
	}
	switch p.indexSizes[kind] {
	case 2:
		var v uint16
		p.err = binary.Read(p.tables, binary.LittleEndian, &v)
		return uint32(v)
	case 4:
		var v uint32
		p.err = binary.Read(p.tables, binary.LittleEndian, &v)
		return v
	}
	p.err = fmt.Errorf("index kind %d has invalid size %d", kind, p.indexSizes[kind])
	return 0
}

func (p *parser) skipColumns(cols ...column) {
	if p.err != nil {
		return
	}
	n := 0
	for _, c := range cols {
		n += p.columnSize(c)
	}
	_, p.err = p.tables.Seek(int64(n), io.SeekCurrent)
}

// preloadString makes sure the #Strings entry at heapIndex is available in
// the info string map.
func (p *parser) preloadString(heapIndex uint32) {
	if heapIndex == 0 {
		return
	}
	if _, ok := p.info.strings[heapIndex]; ok {
		return
	}
	p.info.strings[heapIndex] = p.readString(heapIndex)
}

func (p *parser) parseTables() error {
	// ECMA-335 II.24.2.6 #~ stream header
	var hdr struct {
		Reserved0    uint32
		MajorVersion uint8
		MinorVersion uint8
		HeapSizes    uint8
		Reserved1    uint8
		Valid        uint64
		Sorted       uint64
	}
	if err := binary.Read(p.tables, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	for i := 0; i < 64; i++ {
		if hdr.Valid&(1<<i) == 0 {
			continue
		}
		if err := binary.Read(p.tables, binary.LittleEndian, &p.rows[i]); err != nil {
			return err
		}
	}
	if p.rows[tableModule] != 1 {
		return fmt.Errorf("number of Modules (%d) is unexpected", p.rows[tableModule])
	}

	p.info.strings = map[uint32]string{}

	p.indexSizes[indexString] = heapIndexSize(hdr.HeapSizes&0x1 != 0)
	p.indexSizes[indexGUID] = heapIndexSize(hdr.HeapSizes&0x2 != 0)
	p.indexSizes[indexBlob] = heapIndexSize(hdr.HeapSizes&0x4 != 0)
	for kind := indexResolutionScope; kind < indexCount; kind++ {
		p.indexSizes[kind] = p.indexSize(kind)
	}

	// The tables follow in sequence; parse the ones we keep and seek past
	// the rest.
	for table := 0; table < 64; table++ {
		rows := p.rows[table]
		if rows == 0 {
			continue
		}
		if table >= tableCount {
			// All tables we need precede this one.
			break
		}

		switch table {
		case tableModule:
			p.parseModuleTable()
		case tableTypeDef:
			p.parseTypeDefTable(rows)
		case tableMethodDef:
			p.parseMethodDefTable(rows)
		case tableAssembly:
			p.parseAssemblyTable()
		case tableNestedClass:
			p.parseNestedClassTable(rows)
		default:
			if tableColumns[table] == nil {
				return fmt.Errorf("metadata table %#x not supported", table)
			}
			p.skipRows(table, rows)
		}
		if p.err != nil {
			return fmt.Errorf("metadata table %#x parsing failed: %w", table, p.err)
		}
	}
	return nil
}

// parseModuleTable reads the ECMA-335 II.22.30 Module table row: the module
// name and the Mvid.
func (p *parser) parseModuleTable() {
	p.skipColumns(2)
	nameIdx := p.readIndex(indexString)
	guidIdx := p.readIndex(indexGUID)
	p.skipColumns(idx(indexGUID), idx(indexGUID))
	if p.err != nil {
		return
	}

	// The Module name carries the file extension; prefer the Assembly name
	// when the image has one (parseAssemblyTable overrides this).
	name := p.readString(nameIdx)
	p.info.simpleName = strings.TrimSuffix(name, path.Ext(name))
	p.info.mvid, p.info.mvidValid = p.readGUID(guidIdx)
}

// parseAssemblyTable reads the ECMA-335 II.22.2 Assembly table row for the
// assembly simple name.
func (p *parser) parseAssemblyTable() {
	p.skipColumns(4, 2, 2, 2, 2, 4, idx(indexBlob))
	nameIdx := p.readIndex(indexString)
	p.skipColumns(idx(indexString))
	if p.err != nil {
		return
	}
	if name := p.readString(nameIdx); name != "" {
		p.info.simpleName = name
	}
}

// parseTypeDefTable reads the ECMA-335 II.22.37 TypeDef table rows needed
// for method naming.
func (p *parser) parseTypeDefTable(rows uint32) {
	specs := make([]typeSpec, 0, rows)
	for i := uint32(0); i < rows; i++ {
		p.skipColumns(4)
		typeNameIdx := p.readIndex(indexString)
		namespaceIdx := p.readIndex(indexString)
		p.skipColumns(idx(indexTypeDefOrRef), idx(indexField))
		methodIdx := p.readIndex(indexMethodDef)
		if p.err != nil {
			return
		}

		p.preloadString(typeNameIdx)
		p.preloadString(namespaceIdx)
		specs = append(specs, typeSpec{
			namespaceIdx: namespaceIdx,
			typeNameIdx:  typeNameIdx,
			methodIdx:    methodIdx,
		})
	}
	p.info.types = specs
}

// parseMethodDefTable reads the ECMA-335 II.22.26 MethodDef table rows.
func (p *parser) parseMethodDefTable(rows uint32) {
	specs := make([]methodSpec, 0, rows)
	for i := uint32(0); i < rows; i++ {
		p.skipColumns(4, 2, 2)
		nameIdx := p.readIndex(indexString)
		p.skipColumns(idx(indexBlob), idx(indexParam))
		if p.err != nil {
			return
		}

		p.preloadString(nameIdx)
		specs = append(specs, methodSpec{nameIdx: nameIdx})
	}
	p.info.methods = specs
}

// parseNestedClassTable reads the ECMA-335 II.22.32 NestedClass table and
// links nested types to their enclosing type.
func (p *parser) parseNestedClassTable(rows uint32) {
	numTypes := uint32(len(p.info.types))
	for i := uint32(0); i < rows; i++ {
		nested := p.readIndex(indexTypeDef)
		enclosing := p.readIndex(indexTypeDef)
		if p.err != nil {
			return
		}
		if nested == 0 || nested > numTypes || enclosing == 0 || enclosing > numTypes {
			p.err = fmt.Errorf("invalid NestedClass row %d: %d/%d vs. %d types",
				i, nested, enclosing, numTypes)
			return
		}
		p.info.types[nested-1].enclosingClass = enclosing
	}
}
