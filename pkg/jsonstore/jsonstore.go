// Package jsonstore provides whole-document JSON files with dotted-path access.
//
// Every mutation is a read-modify-write of the full document followed by an
// atomic replace (temp file + rename). Writers in the same process are
// serialized per File; writers in other processes are not coordinated, so a
// concurrent external edit between load and save is lost.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotObject is returned when a dotted path walks through a non-object value
var ErrNotObject = errors.New("path segment is not an object")

// File is a JSON object document on disk
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a store for the JSON document at path
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the document location
func (f *File) Path() string {
	return f.path
}

// Load reads the whole document. A missing file yields an empty object.
func (f *File) Load() (map[string]any, error) {
	doc := make(map[string]any)
	found, err := ReadJSON(f.path, &doc)
	if err != nil {
		return nil, err
	}
	if !found || doc == nil {
		return make(map[string]any), nil
	}
	return doc, nil
}

// Save replaces the whole document
func (f *File) Save(doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return WriteJSON(f.path, doc)
}

// Get returns the value at a dotted path
func (f *File) Get(path string) (any, bool, error) {
	doc, err := f.Load()
	if err != nil {
		return nil, false, err
	}
	v, ok := GetPath(doc, path)
	return v, ok, nil
}

// Set writes value at a dotted path, creating intermediate objects
func (f *File) Set(path string, value any) error {
	return f.Update(func(doc map[string]any) error {
		return SetPath(doc, path, value)
	})
}

// Unset removes the value at a dotted path. Missing paths are a no-op.
func (f *File) Unset(path string) error {
	return f.Update(func(doc map[string]any) error {
		UnsetPath(doc, path)
		return nil
	})
}

// Update loads the document, applies fn and saves the result
func (f *File) Update(fn func(doc map[string]any) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc := make(map[string]any)
	if _, err := ReadJSON(f.path, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	if err := fn(doc); err != nil {
		return err
	}
	return WriteJSON(f.path, doc)
}

// GetPath resolves a dotted path inside doc
func GetPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, key := range splitPath(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns value at a dotted path inside doc
func SetPath(doc map[string]any, path string, value any) error {
	keys := splitPath(path)
	if len(keys) == 0 {
		return fmt.Errorf("empty path")
	}
	cur := doc
	for i, key := range keys[:len(keys)-1] {
		next, ok := cur[key]
		if !ok || next == nil {
			child := make(map[string]any)
			cur[key] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: %w", strings.Join(keys[:i+1], "."), ErrNotObject)
		}
		cur = child
	}
	cur[keys[len(keys)-1]] = value
	return nil
}

// UnsetPath deletes the value at a dotted path inside doc
func UnsetPath(doc map[string]any, path string) {
	keys := splitPath(path)
	if len(keys) == 0 {
		return
	}
	cur := doc
	for _, key := range keys[:len(keys)-1] {
		child, ok := cur[key].(map[string]any)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, keys[len(keys)-1])
}

// StringSlice converts a decoded JSON array into strings. Numbers are
// rendered without a fractional part so numeric ids survive.
func StringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case float64:
			out = append(out, fmt.Sprintf("%.0f", x))
		case json.Number:
			out = append(out, x.String())
		}
	}
	return out
}

// ReadJSON decodes the file at path into v. It reports false when the file
// does not exist.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// WriteJSON encodes v with two-space indentation and atomically replaces path
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func splitPath(path string) []string {
	path = strings.Trim(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
