// Package firmware reads the OpenVizsla-style firmware package archive
// (C9): a zip file bundling the FPGA bitstream and its companion
// register-map text file.
package firmware

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ovanalyzer/internal/mmio"
	"ovanalyzer/internal/ovtypes"
)

const (
	bitstreamEntry   = "ov3.bit"
	registerMapEntry = "map.txt"

	// defaultPackageName is the firmware package filename looked up
	// next to the running binary when no path is given explicitly.
	defaultPackageName = "ov3.fwpkg"
)

// DefaultPackagePath returns the path to a firmware package shipped
// alongside the running binary, or "" if none is present there. It
// mirrors find_openvizsla_asset: a missing asset is not an error,
// just the absence of a default.
func DefaultPackagePath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(exe), defaultPackageName)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ""
}

// PackagePathEnvVar is the environment variable naming a default
// firmware-package path, consulted when no path is given explicitly.
const PackagePathEnvVar = "OV_FIRMWARE_PACKAGE"

// ResolvePackagePath picks the firmware package path to load: an
// explicit flag value takes precedence, then OV_FIRMWARE_PACKAGE,
// then a package shipped alongside the binary. It returns an error
// only once all three are exhausted.
func ResolvePackagePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(PackagePathEnvVar); env != "" {
		return env, nil
	}
	if def := DefaultPackagePath(); def != "" {
		return def, nil
	}
	return "", fmt.Errorf("no firmware package given: pass -firmware, set %s, or ship %s next to the binary", PackagePathEnvVar, defaultPackageName)
}

// Package is a handle on an opened firmware archive.
type Package struct {
	zr *zip.Reader
}

// Open parses a firmware package from an in-memory archive. Loading
// from disk is the caller's responsibility (os.ReadFile then Open),
// matching the Python source's OVFirmwarePackage taking an open
// zipfile.
func Open(data []byte) (*Package, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ovtypes.ConfigError{Reason: ovtypes.BadBitstream, Err: err}
	}
	return &Package{zr: zr}, nil
}

func (p *Package) entry(name string) (*zip.File, error) {
	for _, f := range p.zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, &ovtypes.ConfigError{Reason: ovtypes.BadBitstream, Err: fmt.Errorf("archive missing %s", name)}
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Bitstream returns the raw FPGA configuration bitstream.
func (p *Package) Bitstream() ([]byte, error) {
	f, err := p.entry(bitstreamEntry)
	if err != nil {
		return nil, err
	}
	return readEntry(f)
}

// RegisterMap parses and returns the register-map table bundled with
// this firmware.
func (p *Package) RegisterMap() (mmio.Table, error) {
	f, err := p.entry(registerMapEntry)
	if err != nil {
		return mmio.Table{}, err
	}
	raw, err := readEntry(f)
	if err != nil {
		return mmio.Table{}, err
	}
	return parseRegisterMap(raw)
}

// parseRegisterMap implements the `NAME = HEX[:HEX]` register-map text
// format: one register per line, `#` comments (whole-line or trailing)
// stripped and blank lines ignored, address and optional inclusive
// end-address given in hex. A bare address (no `:END`) implies a
// one-byte register; a range must span at least two bytes. Names are
// compared case-insensitively, and a repeated name is an error.
func parseRegisterMap(raw []byte) (mmio.Table, error) {
	entries := make(map[string]struct {
		Address uint16
		Size    uint8
	})

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		if hash := strings.IndexByte(line, '#'); hash >= 0 {
			line = line[:hash]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return mmio.Table{}, &ovtypes.ConfigError{
				Reason: ovtypes.BadRegisterMap,
				Err:    fmt.Errorf("malformed line %q", line),
			}
		}

		name := strings.TrimSpace(line[:eq])
		rhs := strings.TrimSpace(line[eq+1:])

		var startHex, endHex string
		if colon := strings.IndexByte(rhs, ':'); colon >= 0 {
			startHex = strings.TrimSpace(rhs[:colon])
			endHex = strings.TrimSpace(rhs[colon+1:])
		} else {
			startHex = rhs
		}

		start, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(startHex, "0x"), "0X"), 16, 16)
		if err != nil {
			return mmio.Table{}, &ovtypes.ConfigError{
				Reason: ovtypes.BadRegisterMap,
				Err:    fmt.Errorf("bad address in line %q: %w", line, err),
			}
		}

		size := uint8(1)
		if endHex != "" {
			end, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(endHex, "0x"), "0X"), 16, 16)
			if err != nil {
				return mmio.Table{}, &ovtypes.ConfigError{
					Reason: ovtypes.BadRegisterMap,
					Err:    fmt.Errorf("bad end address in line %q: %w", line, err),
				}
			}
			if end <= start {
				return mmio.Table{}, &ovtypes.ConfigError{
					Reason: ovtypes.BadRegisterMap,
					Err:    fmt.Errorf("end address not above start in line %q", line),
				}
			}
			size = uint8(end - start + 1)
		}

		if _, exists := entries[strings.ToUpper(name)]; exists {
			return mmio.Table{}, &ovtypes.ConfigError{
				Reason: ovtypes.BadRegisterMap,
				Err:    fmt.Errorf("duplicate register %q", name),
			}
		}

		entries[strings.ToUpper(name)] = struct {
			Address uint16
			Size    uint8
		}{Address: uint16(start), Size: size}
	}
	if err := sc.Err(); err != nil {
		return mmio.Table{}, err
	}

	return mmio.NewTable(entries)
}
