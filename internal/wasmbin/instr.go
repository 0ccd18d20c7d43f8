package wasmbin

// Opcodes used by the body builders.
const (
	opUnreachable   byte = 0x00
	opIf            byte = 0x04
	opEnd           byte = 0x0B
	opCall          byte = 0x10
	opLocalGet      byte = 0x20
	opGlobalGet     byte = 0x23
	opGlobalSet     byte = 0x24
	opI32Const      byte = 0x41
	opI64Const      byte = 0x42
	opI32Eqz        byte = 0x45
	opI32Add        byte = 0x6A
	opI64Or         byte = 0x84
	opI64Shl        byte = 0x86
	opI64ExtendI32U byte = 0xAD

	blockEmpty byte = 0x40
)

// The builders below return instruction sequences for Func bodies. They are
// the only wasm the capsule test guests and the pack tooling ever need:
// straight-line code over params, globals, and constants.

// BumpAllocBody implements (size i32) -> i32 over a mutable i32 heap
// global: it returns the current heap value and advances it by size.
func BumpAllocBody(heapGlobal uint32) []byte {
	var b []byte
	b = append(b, opGlobalGet)
	b = appendUleb(b, uint64(heapGlobal))
	b = append(b, opGlobalGet)
	b = appendUleb(b, uint64(heapGlobal))
	b = append(b, opLocalGet, 0x00, opI32Add, opGlobalSet)
	b = appendUleb(b, uint64(heapGlobal))
	return b
}

// StorePairBody implements (ptr, len i32) -> () by recording both params
// into the given mutable globals.
func StorePairBody(ptrGlobal, lenGlobal uint32) []byte {
	var b []byte
	b = append(b, opLocalGet, 0x00, opGlobalSet)
	b = appendUleb(b, uint64(ptrGlobal))
	b = append(b, opLocalGet, 0x01, opGlobalSet)
	b = appendUleb(b, uint64(lenGlobal))
	return b
}

// StorePairTrackFirstBody is StorePairBody plus a one-shot copy into the
// first* globals, taken only while firstLen is still zero.
func StorePairTrackFirstBody(ptrGlobal, lenGlobal, firstPtrGlobal, firstLenGlobal uint32) []byte {
	b := StorePairBody(ptrGlobal, lenGlobal)
	b = append(b, opGlobalGet)
	b = appendUleb(b, uint64(firstLenGlobal))
	b = append(b, opI32Eqz, opIf, blockEmpty)
	b = append(b, StorePairBody(firstPtrGlobal, firstLenGlobal)...)
	b = append(b, opEnd)
	return b
}

// PackGlobalsBody implements () -> i64, packing two i32 globals into
// ptr<<32|len.
func PackGlobalsBody(ptrGlobal, lenGlobal uint32) []byte {
	var b []byte
	b = append(b, opGlobalGet)
	b = appendUleb(b, uint64(ptrGlobal))
	b = append(b, opI64ExtendI32U, opI64Const, 0x20, opI64Shl)
	b = append(b, opGlobalGet)
	b = appendUleb(b, uint64(lenGlobal))
	b = append(b, opI64ExtendI32U, opI64Or)
	return b
}

// PackConstBody implements () -> i64 returning a constant packed pointer.
func PackConstBody(ptr, length uint32) []byte {
	var b []byte
	b = append(b, opI64Const)
	return appendSleb(b, int64(uint64(ptr)<<32|uint64(length)))
}

// EchoPairBody implements (ptr, len i32) -> i64 by packing its own params,
// returning the payload unchanged.
func EchoPairBody() []byte {
	var b []byte
	b = append(b, opLocalGet, 0x00, opI64ExtendI32U, opI64Const, 0x20, opI64Shl)
	b = append(b, opLocalGet, 0x01, opI64ExtendI32U, opI64Or)
	return b
}

// I32ConstBody returns a constant i32 regardless of params.
func I32ConstBody(v int32) []byte {
	var b []byte
	b = append(b, opI32Const)
	return appendSleb(b, int64(v))
}

// PassthroughBody implements (ptr, len i32) -> i64 by forwarding both
// params to the function at fnIdx.
func PassthroughBody(fnIdx uint32) []byte {
	var b []byte
	b = append(b, opLocalGet, 0x00, opLocalGet, 0x01, opCall)
	return appendUleb(b, uint64(fnIdx))
}

// UnreachableBody traps immediately, whatever the signature.
func UnreachableBody() []byte {
	return []byte{opUnreachable}
}
