// Package wasmbin assembles and inspects WebAssembly binaries without an
// external toolchain. It covers the small subset of the binary format the
// capsule ABI needs: typed functions with straight-line bodies, imports,
// one memory, globals, data segments, exports, and custom sections.
package wasmbin

import "fmt"

// Value types.
const (
	I32 byte = 0x7F
	I64 byte = 0x7E
)

// Section ids.
const (
	secCustom   byte = 0
	secType     byte = 1
	secImport   byte = 2
	secFunction byte = 3
	secMemory   byte = 5
	secGlobal   byte = 6
	secExport   byte = 7
	secCode     byte = 10
	secData     byte = 11
)

// Export kinds.
const (
	kindFunc   byte = 0x00
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
)

var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// FuncType describes a function signature. Params and Results hold value
// type bytes (I32, I64).
type FuncType struct {
	Params  []byte
	Results []byte
}

func (t FuncType) equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

type importedFunc struct {
	module  string
	name    string
	typeIdx uint32
}

type localFunc struct {
	typeIdx uint32
	body    []byte
}

type globalEntry struct {
	valType byte
	mutable bool
	init    int64
}

type exportEntry struct {
	name string
	kind byte
	idx  uint32
}

type dataSegment struct {
	offset uint32
	bytes  []byte
}

// Module accumulates definitions and encodes them into a wasm binary.
// The zero value is an empty module.
type Module struct {
	types   []FuncType
	imports []importedFunc
	funcs   []localFunc
	mem     uint32
	hasMem  bool
	globals []globalEntry
	exports []exportEntry
	data    []dataSegment
	customs []Custom
}

// New returns an empty module builder.
func New() *Module {
	return &Module{}
}

func (m *Module) typeIndex(t FuncType) uint32 {
	for i, existing := range m.types {
		if existing.equal(t) {
			return uint32(i)
		}
	}
	m.types = append(m.types, t)
	return uint32(len(m.types) - 1)
}

// ImportFunc declares a function import and returns its index in the
// function index space. All imports must be declared before the first
// Func call because imports occupy the low function indices.
func (m *Module) ImportFunc(module, name string, t FuncType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbin: imports must be declared before functions")
	}
	m.imports = append(m.imports, importedFunc{module: module, name: name, typeIdx: m.typeIndex(t)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function with the given instruction body (the final end
// opcode is appended automatically, locals are not supported) and exports
// it under name when name is non-empty. It returns the function index.
func (m *Module) Func(name string, t FuncType, body []byte) uint32 {
	m.funcs = append(m.funcs, localFunc{typeIdx: m.typeIndex(t), body: body})
	idx := uint32(len(m.imports) + len(m.funcs) - 1)
	if name != "" {
		m.exports = append(m.exports, exportEntry{name: name, kind: kindFunc, idx: idx})
	}
	return idx
}

// Memory defines a memory with the given minimum page count and exports it
// as "memory".
func (m *Module) Memory(pages uint32) {
	if m.hasMem {
		panic("wasmbin: memory already defined")
	}
	m.hasMem = true
	m.mem = pages
	m.exports = append(m.exports, exportEntry{name: "memory", kind: kindMemory, idx: 0})
}

// Global adds a global of the given value type and returns its index.
// Non-empty names are exported.
func (m *Module) Global(name string, valType byte, mutable bool, init int64) uint32 {
	m.globals = append(m.globals, globalEntry{valType: valType, mutable: mutable, init: init})
	idx := uint32(len(m.globals) - 1)
	if name != "" {
		m.exports = append(m.exports, exportEntry{name: name, kind: kindGlobal, idx: idx})
	}
	return idx
}

// Data adds an active data segment written at the given offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, dataSegment{offset: offset, bytes: b})
}

// Custom appends a custom section emitted after all standard sections.
func (m *Module) Custom(name string, data []byte) {
	m.customs = append(m.customs, Custom{Name: name, Data: data})
}

// Encode serializes the module.
func (m *Module) Encode() []byte {
	out := append([]byte{}, header...)

	if len(m.types) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.types)))
		for _, t := range m.types {
			b = append(b, 0x60)
			b = appendUleb(b, uint64(len(t.Params)))
			b = append(b, t.Params...)
			b = appendUleb(b, uint64(len(t.Results)))
			b = append(b, t.Results...)
		}
		out = appendSection(out, secType, b)
	}

	if len(m.imports) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.imports)))
		for _, imp := range m.imports {
			b = appendName(b, imp.module)
			b = appendName(b, imp.name)
			b = append(b, kindFunc)
			b = appendUleb(b, uint64(imp.typeIdx))
		}
		out = appendSection(out, secImport, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.funcs)))
		for _, f := range m.funcs {
			b = appendUleb(b, uint64(f.typeIdx))
		}
		out = appendSection(out, secFunction, b)
	}

	if m.hasMem {
		var b []byte
		b = appendUleb(b, 1)
		b = append(b, 0x00)
		b = appendUleb(b, uint64(m.mem))
		out = appendSection(out, secMemory, b)
	}

	if len(m.globals) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.globals)))
		for _, g := range m.globals {
			b = append(b, g.valType)
			if g.mutable {
				b = append(b, 0x01)
			} else {
				b = append(b, 0x00)
			}
			if g.valType == I64 {
				b = append(b, opI64Const)
			} else {
				b = append(b, opI32Const)
			}
			b = appendSleb(b, g.init)
			b = append(b, opEnd)
		}
		out = appendSection(out, secGlobal, b)
	}

	if len(m.exports) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.exports)))
		for _, e := range m.exports {
			b = appendName(b, e.name)
			b = append(b, e.kind)
			b = appendUleb(b, uint64(e.idx))
		}
		out = appendSection(out, secExport, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.funcs)))
		for _, f := range m.funcs {
			var body []byte
			body = appendUleb(body, 0)
			body = append(body, f.body...)
			body = append(body, opEnd)
			b = appendUleb(b, uint64(len(body)))
			b = append(b, body...)
		}
		out = appendSection(out, secCode, b)
	}

	if len(m.data) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.data)))
		for _, d := range m.data {
			b = append(b, 0x00)
			b = append(b, opI32Const)
			b = appendSleb(b, int64(int32(d.offset)))
			b = append(b, opEnd)
			b = appendUleb(b, uint64(len(d.bytes)))
			b = append(b, d.bytes...)
		}
		out = appendSection(out, secData, b)
	}

	for _, c := range m.customs {
		out = appendCustom(out, c.Name, c.Data)
	}

	return out
}

func appendSection(dst []byte, id byte, body []byte) []byte {
	dst = append(dst, id)
	dst = appendUleb(dst, uint64(len(body)))
	return append(dst, body...)
}

func appendName(dst []byte, s string) []byte {
	dst = appendUleb(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendCustom(dst []byte, name string, data []byte) []byte {
	body := appendName(nil, name)
	body = append(body, data...)
	return appendSection(dst, secCustom, body)
}

func checkHeader(wasm []byte) error {
	if len(wasm) < len(header) {
		return fmt.Errorf("wasmbin: %d bytes is too short for a wasm module", len(wasm))
	}
	for i, b := range header {
		if wasm[i] != b {
			return fmt.Errorf("wasmbin: bad magic or version at byte %d", i)
		}
	}
	return nil
}
