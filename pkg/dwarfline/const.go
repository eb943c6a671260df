package dwarfline

import (
	"debug/dwarf"
	"fmt"
)

// form is a DWARF attribute encoding. debug/dwarf keeps its form table
// private, so the codes are spelled out here.
type form uint16

const (
	formAddr          form = 0x01
	formBlock2        form = 0x03
	formBlock4        form = 0x04
	formData2         form = 0x05
	formData4         form = 0x06
	formData8         form = 0x07
	formString        form = 0x08
	formBlock         form = 0x09
	formBlock1        form = 0x0a
	formData1         form = 0x0b
	formFlag          form = 0x0c
	formSdata         form = 0x0d
	formStrp          form = 0x0e
	formUdata         form = 0x0f
	formRefAddr       form = 0x10
	formRef1          form = 0x11
	formRef2          form = 0x12
	formRef4          form = 0x13
	formRef8          form = 0x14
	formRefUdata      form = 0x15
	formIndirect      form = 0x16
	formSecOffset     form = 0x17
	formExprloc       form = 0x18
	formFlagPresent   form = 0x19
	formStrx          form = 0x1a
	formAddrx         form = 0x1b
	formRefSup4       form = 0x1c
	formStrpSup       form = 0x1d
	formData16        form = 0x1e
	formLineStrp      form = 0x1f
	formRefSig8       form = 0x20
	formImplicitConst form = 0x21
	formLoclistx      form = 0x22
	formRnglistx      form = 0x23
	formRefSup8       form = 0x24
	formStrx1         form = 0x25
	formStrx2         form = 0x26
	formStrx3         form = 0x27
	formStrx4         form = 0x28
	formAddrx1        form = 0x29
	formAddrx2        form = 0x2a
	formAddrx3        form = 0x2b
	formAddrx4        form = 0x2c

	formGNUAddrIndex form = 0x1f01
	formGNUStrIndex  form = 0x1f02
	formGNURefAlt    form = 0x1f20
	formGNUStrpAlt   form = 0x1f21
)

// Attributes that debug/dwarf does not name.
const (
	attrMIPSLinkageName dwarf.Attr = 0x2007
	attrGNUAddrBase     dwarf.Attr = 0x2133
)

// Unit types (DWARF 5 section 7.5.1).
const (
	unitTypeCompile      = 0x01
	unitTypeType         = 0x02
	unitTypePartial      = 0x03
	unitTypeSkeleton     = 0x04
	unitTypeSplitCompile = 0x05
	unitTypeSplitType    = 0x06
)

// Line number program opcodes.
const (
	lnsCopy             = 0x01
	lnsAdvancePC        = 0x02
	lnsAdvanceLine      = 0x03
	lnsSetFile          = 0x04
	lnsSetColumn        = 0x05
	lnsNegateStmt       = 0x06
	lnsSetBasicBlock    = 0x07
	lnsConstAddPC       = 0x08
	lnsFixedAdvancePC   = 0x09
	lnsSetPrologueEnd   = 0x0a
	lnsSetEpilogueBegin = 0x0b
	lnsSetISA           = 0x0c

	lneEndSequence      = 0x01
	lneSetAddress       = 0x02
	lneDefineFile       = 0x03
	lneSetDiscriminator = 0x04

	lneHPSourceFileCorrelation = 0x80
)

// Line table entry content codes (DWARF 5).
const (
	lnctPath           = 0x1
	lnctDirectoryIndex = 0x2
	lnctTimestamp      = 0x3
	lnctSize           = 0x4
	lnctMD5            = 0x5
)

// Range list entry kinds (DWARF 5).
const (
	rleEndOfList    = 0x00
	rleBaseAddressx = 0x01
	rleStartxEndx   = 0x02
	rleStartxLength = 0x03
	rleOffsetPair   = 0x04
	rleBaseAddress  = 0x05
	rleStartEnd     = 0x06
	rleStartLength  = 0x07
)

const opAddr = 0x03

// Language is a DW_LANG source language code.
type Language uint16

const (
	LangC89            Language = 0x0001
	LangC              Language = 0x0002
	LangAda83          Language = 0x0003
	LangCPlusPlus      Language = 0x0004
	LangCobol74        Language = 0x0005
	LangCobol85        Language = 0x0006
	LangFortran77      Language = 0x0007
	LangFortran90      Language = 0x0008
	LangPascal83       Language = 0x0009
	LangModula2        Language = 0x000a
	LangJava           Language = 0x000b
	LangC99            Language = 0x000c
	LangAda95          Language = 0x000d
	LangFortran95      Language = 0x000e
	LangPLI            Language = 0x000f
	LangObjC           Language = 0x0010
	LangObjCPlusPlus   Language = 0x0011
	LangUPC            Language = 0x0012
	LangD              Language = 0x0013
	LangPython         Language = 0x0014
	LangOpenCL         Language = 0x0015
	LangGo             Language = 0x0016
	LangModula3        Language = 0x0017
	LangHaskell        Language = 0x0018
	LangCPlusPlus03    Language = 0x0019
	LangCPlusPlus11    Language = 0x001a
	LangOCaml          Language = 0x001b
	LangRust           Language = 0x001c
	LangC11            Language = 0x001d
	LangSwift          Language = 0x001e
	LangJulia          Language = 0x001f
	LangDylan          Language = 0x0020
	LangCPlusPlus14    Language = 0x0021
	LangFortran03      Language = 0x0022
	LangFortran08      Language = 0x0023
	LangRenderScript   Language = 0x0024
	LangBLISS          Language = 0x0025
	LangKotlin         Language = 0x0026
	LangZig            Language = 0x0027
	LangCrystal        Language = 0x0028
	LangCPlusPlus17    Language = 0x002a
	LangCPlusPlus20    Language = 0x002b
	LangC17            Language = 0x002c
	LangFortran18      Language = 0x002d
	LangAda2005        Language = 0x002e
	LangAda2012        Language = 0x002f
	LangMipsAssembler  Language = 0x8001
	LangUnknown        Language = 0
)

var languageNames = map[Language]string{
	LangC89:           "C89",
	LangC:             "C",
	LangAda83:         "Ada83",
	LangCPlusPlus:     "C++",
	LangCobol74:       "Cobol74",
	LangCobol85:       "Cobol85",
	LangFortran77:     "Fortran77",
	LangFortran90:     "Fortran90",
	LangPascal83:      "Pascal83",
	LangModula2:       "Modula2",
	LangJava:          "Java",
	LangC99:           "C99",
	LangAda95:         "Ada95",
	LangFortran95:     "Fortran95",
	LangPLI:           "PLI",
	LangObjC:          "ObjC",
	LangObjCPlusPlus:  "ObjC++",
	LangUPC:           "UPC",
	LangD:             "D",
	LangPython:        "Python",
	LangOpenCL:        "OpenCL",
	LangGo:            "Go",
	LangModula3:       "Modula3",
	LangHaskell:       "Haskell",
	LangCPlusPlus03:   "C++03",
	LangCPlusPlus11:   "C++11",
	LangOCaml:         "OCaml",
	LangRust:          "Rust",
	LangC11:           "C11",
	LangSwift:         "Swift",
	LangJulia:         "Julia",
	LangDylan:         "Dylan",
	LangCPlusPlus14:   "C++14",
	LangFortran03:     "Fortran03",
	LangFortran08:     "Fortran08",
	LangRenderScript:  "RenderScript",
	LangBLISS:         "BLISS",
	LangKotlin:        "Kotlin",
	LangZig:           "Zig",
	LangCrystal:       "Crystal",
	LangCPlusPlus17:   "C++17",
	LangCPlusPlus20:   "C++20",
	LangC17:           "C17",
	LangFortran18:     "Fortran18",
	LangAda2005:       "Ada2005",
	LangAda2012:       "Ada2012",
	LangMipsAssembler: "Mips_Assembler",
}

func (l Language) String() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	if l == LangUnknown {
		return "unknown"
	}
	return fmt.Sprintf("Language(%#x)", uint16(l))
}

// plainNamesAreLinkage reports whether the language has no standard name
// mangling, in which case DW_AT_name is already the symbol name.
func (l Language) plainNamesAreLinkage() bool {
	switch l {
	case LangC89, LangC, LangC99, LangC11, LangC17,
		LangAda83, LangAda95, LangAda2005, LangAda2012,
		LangCobol74, LangCobol85,
		LangFortran77,
		LangPascal83,
		LangPLI,
		LangUPC,
		LangMipsAssembler:
		return true
	}
	return false
}
