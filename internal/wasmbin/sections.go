package wasmbin

import "fmt"

// Custom is a decoded custom section.
type Custom struct {
	Name string
	Data []byte
}

// AppendCustomSection returns a copy of wasm with one custom section added
// at the end of the module. Trailing custom sections are valid placement,
// so this works on binaries produced by any toolchain.
func AppendCustomSection(wasm []byte, name string, data []byte) ([]byte, error) {
	if err := checkHeader(wasm); err != nil {
		return nil, err
	}
	out := make([]byte, len(wasm), len(wasm)+len(name)+len(data)+8)
	copy(out, wasm)
	return appendCustom(out, name, data), nil
}

// CustomSections scans a wasm binary and returns all custom sections in
// order of appearance.
func CustomSections(wasm []byte) ([]Custom, error) {
	if err := checkHeader(wasm); err != nil {
		return nil, err
	}

	var out []Custom
	i := len(header)
	for i < len(wasm) {
		id := wasm[i]
		i++
		size, n, err := readUleb(wasm[i:])
		if err != nil {
			return nil, err
		}
		i += n
		if uint64(len(wasm)-i) < size {
			return nil, fmt.Errorf("wasmbin: section %d truncated", id)
		}
		body := wasm[i : i+int(size)]
		i += int(size)

		if id != secCustom {
			continue
		}
		nameLen, n, err := readUleb(body)
		if err != nil {
			return nil, err
		}
		if uint64(len(body)-n) < nameLen {
			return nil, fmt.Errorf("wasmbin: custom section name truncated")
		}
		name := string(body[n : n+int(nameLen)])
		data := make([]byte, len(body)-n-int(nameLen))
		copy(data, body[n+int(nameLen):])
		out = append(out, Custom{Name: name, Data: data})
	}
	return out, nil
}
