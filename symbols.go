package hookcave

import (
	"strings"
	"sync"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

// SymbolTable resolves exported symbols by parsing a module's PE export
// table from its on-disk image. Tables are cached per path; RVAs don't
// change while the file doesn't.
type SymbolTable struct {
	mu     sync.Mutex
	tables map[string]map[string]uint32
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{tables: make(map[string]map[string]uint32)}
}

// ExportRVA returns the relative virtual address of symbol within the PE
// image at path. Add the loaded module's base to get the live address.
func (t *SymbolTable) ExportRVA(path, symbol string) (uint32, error) {
	table, err := t.load(path)
	if err != nil {
		return 0, err
	}
	rva, ok := table[strings.ToLower(symbol)]
	if !ok {
		return 0, errors.Errorf("no export named %s in %s", symbol, path)
	}
	return rva, nil
}

func (t *SymbolTable) load(path string) (map[string]uint32, error) {
	t.mu.Lock()
	table, ok := t.tables[path]
	t.mu.Unlock()
	if ok {
		return table, nil
	}

	f, err := pe.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	defer f.Close()

	exports, err := f.Exports()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading export table of %s", path)
	}

	table = make(map[string]uint32, len(exports))
	for _, exp := range exports {
		if exp.Name == "" {
			continue
		}
		table[strings.ToLower(exp.Name)] = exp.VirtualAddress
	}

	t.mu.Lock()
	t.tables[path] = table
	t.mu.Unlock()
	return table, nil
}
