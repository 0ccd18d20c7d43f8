package launcher

import (
	"bytes"
	"encoding/json"
	"os"
	"slices"
)

// Properties is an ordered string-to-string configuration set. Reads fall
// back to the process environment for keys that were never set explicitly,
// so a fresh set behaves like a view over the environment. Writes only ever
// touch explicit entries.
type Properties struct {
	keys []string
	vals map[string]string
}

// NewProperties returns an empty, environment-backed property set.
func NewProperties() *Properties {
	return &Properties{vals: make(map[string]string)}
}

// Set stores value under name. Existing keys keep their insertion position.
func (p *Properties) Set(name, value string) {
	if _, ok := p.vals[name]; !ok {
		p.keys = append(p.keys, name)
	}
	p.vals[name] = value
}

// Remove deletes the explicit entry for name. Environment values are not
// masked: a removed key reads back from the environment again.
func (p *Properties) Remove(name string) {
	if _, ok := p.vals[name]; !ok {
		return
	}
	delete(p.vals, name)
	for i, k := range p.keys {
		if k == name {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Lookup returns the value for name and whether it was found, consulting
// explicit entries first and the process environment second.
func (p *Properties) Lookup(name string) (string, bool) {
	if v, ok := p.vals[name]; ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// Get returns the value for name, or the empty string when absent.
func (p *Properties) Get(name string) string {
	v, _ := p.Lookup(name)
	return v
}

// Len reports the number of explicit entries.
func (p *Properties) Len() int { return len(p.keys) }

// Keys returns the explicit keys in insertion order.
func (p *Properties) Keys() []string { return slices.Clone(p.keys) }

// All returns a copy of the explicit entries. The environment fallback is
// read-side only and never part of the snapshot handed to a capsule.
func (p *Properties) All() map[string]string {
	out := make(map[string]string, len(p.vals))
	for k, v := range p.vals {
		out[k] = v
	}
	return out
}

// MarshalJSON emits the explicit entries as an object with keys in
// insertion order, so repeated launches see byte-identical payloads.
func (p *Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(p.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
