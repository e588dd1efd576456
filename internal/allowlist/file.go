// ABOUTME: TOML devices file loading for the allowlist
// ABOUTME: Reads [[device]] tables into allowlist entries

package allowlist

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// deviceFile is the on-disk layout of a devices file.
type deviceFile struct {
	Devices []Entry `toml:"device"`
}

// LoadFile reads allowlist entries from a TOML file of [[device]] tables.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading devices file: %w", err)
	}

	var f deviceFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parsing devices file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing devices file: unknown key %q", undecoded[0].String())
	}

	return f.Devices, nil
}
