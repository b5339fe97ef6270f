package engineconf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is one YAML config file edited as a flat key-value document.
// The engine reads its main config with flat dotted keys, so no path
// nesting happens here.
type File struct {
	path string
	data map[string]any
}

// LoadFile reads the file, treating a missing one as empty.
func LoadFile(path string) (*File, error) {
	f := &File{path: path, data: map[string]any{}}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &f.data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if f.data == nil {
			f.data = map[string]any{}
		}
	}
	return f, nil
}

// Put sets a key.
func (f *File) Put(key string, value any) {
	f.data[key] = value
}

// Get returns a key's value.
func (f *File) Get(key string) (any, bool) {
	v, ok := f.data[key]
	return v, ok
}

// Delete removes a key.
func (f *File) Delete(key string) {
	delete(f.data, key)
}

// Save writes the document back out.
func (f *File) Save() error {
	out, err := yaml.Marshal(f.data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", f.path, err)
	}
	if err := os.WriteFile(f.path, out, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}
