package rulebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opensource-finance/tracex/internal/domain"
)

// ErrListMissing is returned when a required address list cannot be found.
var ErrListMissing = errors.New("address list missing")

// LegacyListsDir is searched when a list file is absent from the configured directory.
const LegacyListsDir = "dataset"

const (
	sdnFile    = "sdn_addresses.json"
	cexFile    = "cex_addresses.json"
	bridgeFile = "bridge_contracts.json"
)

// AddressSet is a set of lower-cased addresses.
type AddressSet map[string]struct{}

// NewAddressSet builds a set from addresses, lower-casing each.
func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add inserts a lower-cased address. Empty strings are ignored.
func (s AddressSet) Add(addr string) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr != "" {
		s[addr] = struct{}{}
	}
}

// Contains reports membership, case-insensitively.
func (s AddressSet) Contains(addr string) bool {
	if addr == "" {
		return false
	}
	_, ok := s[strings.ToLower(addr)]
	return ok
}

// Slice returns the members in sorted order.
func (s AddressSet) Slice() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Lists holds the read-only address lists, keyed by list name.
type Lists struct {
	SDN    AddressSet
	Mixer  AddressSet
	Bridge AddressSet
	CEX    AddressSet
}

// NewLists returns empty lists.
func NewLists() *Lists {
	return &Lists{
		SDN:    AddressSet{},
		Mixer:  AddressSet{},
		Bridge: AddressSet{},
		CEX:    AddressSet{},
	}
}

// Get returns the list registered under name, or an empty set.
func (l *Lists) Get(name string) AddressSet {
	if l == nil {
		return nil
	}
	switch strings.ToUpper(name) {
	case domain.ListSDN:
		return l.SDN
	case domain.ListMixer:
		return l.Mixer
	case domain.ListBridge:
		return l.Bridge
	case domain.ListCEX:
		return l.CEX
	default:
		return nil
	}
}

// Sizes reports the member count of every list.
func (l *Lists) Sizes() map[string]int {
	return map[string]int{
		domain.ListSDN:    len(l.SDN),
		domain.ListMixer:  len(l.Mixer),
		domain.ListBridge: len(l.Bridge),
		domain.ListCEX:    len(l.CEX),
	}
}

// LoadLists reads the address lists from dir, falling back to the legacy
// dataset directory per file. The SDN and mixer sources are required.
func LoadLists(dir string) (*Lists, error) {
	lists := NewLists()

	sdnPath, ok := locate(dir, sdnFile)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrListMissing, sdnFile)
	}
	if err := loadSDN(sdnPath, lists.SDN); err != nil {
		return nil, err
	}

	bridgePath, ok := locate(dir, bridgeFile)
	if !ok {
		return nil, fmt.Errorf("%w: %s (mixer services)", ErrListMissing, bridgeFile)
	}
	if err := loadBridgeContracts(bridgePath, lists.Mixer, lists.Bridge); err != nil {
		return nil, err
	}

	if cexPath, ok := locate(dir, cexFile); ok {
		if err := loadCEX(cexPath, lists.CEX); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("cex list not found, continuing with empty set", "file", cexFile)
	}

	slog.Info("address lists loaded",
		"sdn", len(lists.SDN),
		"mixer", len(lists.Mixer),
		"bridge", len(lists.Bridge),
		"cex", len(lists.CEX),
	)
	return lists, nil
}

func locate(dir, name string) (string, bool) {
	candidates := []string{filepath.Join(dir, name), filepath.Join(LegacyListsDir, name)}
	for _, p := range candidates {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadSDN accepts a bare array or an object with an "addresses" array.
func loadSDN(path string, into AddressSet) error {
	var raw json.RawMessage
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	var addrs []string
	if err := json.Unmarshal(raw, &addrs); err != nil {
		var wrapped struct {
			Addresses []string `json:"addresses"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		addrs = wrapped.Addresses
	}
	for _, a := range addrs {
		into.Add(a)
	}
	return nil
}

// loadCEX reads {"exchange": ["addr", ...]}; non-array values are skipped.
func loadCEX(path string, into AddressSet) error {
	var raw map[string]json.RawMessage
	if err := readJSON(path, &raw); err != nil {
		return err
	}
	for _, v := range raw {
		var addrs []string
		if json.Unmarshal(v, &addrs) != nil {
			continue
		}
		for _, a := range addrs {
			into.Add(a)
		}
	}
	return nil
}

type bridgeContracts struct {
	MixerServices []string `json:"mixer_services"`
	Bridges       []struct {
		Name      string            `json:"name"`
		Contracts map[string]string `json:"contracts"`
	} `json:"bridges"`
}

func loadBridgeContracts(path string, mixers, bridges AddressSet) error {
	var doc bridgeContracts
	if err := readJSON(path, &doc); err != nil {
		return err
	}
	for _, a := range doc.MixerServices {
		mixers.Add(a)
	}
	for _, b := range doc.Bridges {
		for _, addr := range b.Contracts {
			bridges.Add(addr)
		}
	}
	return nil
}
