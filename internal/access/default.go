package access

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed roles.md
var defaultRoles []byte

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the role table compiled into the binary. A malformed table panics on first use.
func Default() *Table {
	defaultOnce.Do(func() {
		t, err := ParseMarkdown(bytes.NewReader(defaultRoles))
		if err != nil {
			panic(err)
		}
		defaultTable = t
	})
	return defaultTable
}

// LoadFile reads a role table from path: YAML for .yaml/.yml, markdown otherwise.
// An empty path yields Default().
func LoadFile(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(f)
	}
	return ParseMarkdown(f)
}
