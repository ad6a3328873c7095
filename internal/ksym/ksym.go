// Package ksym provides a read-only kernel symbol table, parsed from
// /proc/kallsyms on first use and cached for the process lifetime — the
// table does not change while the kernel is running. The daemon loads it
// and hands it to probes through probe.Dependencies.Symbols; no probe
// currently reads it.
package ksym

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Symbol is one entry from /proc/kallsyms.
type Symbol struct {
	Address uint64
	Name    string
	Type    string
	Module  string // empty if the symbol isn't part of a loadable module
}

// Table is a cached, read-only view of the kernel symbol table.
type Table struct {
	once    sync.Once
	loadErr error
	byName  map[string]Symbol
	all     []Symbol
}

// New returns an empty Table; the first call to a lookup method loads
// /proc/kallsyms and caches it.
func New() *Table {
	return &Table{}
}

func (t *Table) ensureLoaded() error {
	t.once.Do(func() {
		t.byName, t.all, t.loadErr = load("/proc/kallsyms")
	})
	return t.loadErr
}

// All returns every parsed symbol, loading the table on first call.
func (t *Table) All() ([]Symbol, error) {
	if err := t.ensureLoaded(); err != nil {
		return nil, err
	}
	return t.all, nil
}

// FindByName returns the symbol with the given name, or false if absent.
func (t *Table) FindByName(name string) (Symbol, bool) {
	if err := t.ensureLoaded(); err != nil {
		return Symbol{}, false
	}
	sym, ok := t.byName[name]
	return sym, ok
}

func load(path string) (map[string]Symbol, []Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	byName := make(map[string]Symbol)
	var all []Symbol

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sym, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		all = append(all, sym)
		// Later duplicate names (common across modules) keep the first
		// seen entry, mirroring a simple first-match lookup.
		if _, exists := byName[sym.Name]; !exists {
			byName[sym.Name] = sym
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return byName, all, nil
}

func parseLine(line string) (Symbol, bool) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 4)
	if len(fields) < 3 {
		return Symbol{}, false
	}

	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Symbol{}, false
	}

	sym := Symbol{
		Address: addr,
		Type:    fields[1],
		Name:    fields[2],
	}
	if len(fields) == 4 {
		mod := strings.TrimSpace(fields[3])
		sym.Module = strings.Trim(mod, "[]")
	}
	return sym, true
}
