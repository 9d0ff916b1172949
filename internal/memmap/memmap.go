// Package memmap models the partition layout shared by the NAND and
// block-device installers. The layout is read from an INI-style file
// with one section per firmware role:
//
//	[kernel]
//	name = kernel
//	start_blk = 32
//	size_blks = 36
//	image = /images/uImage
//
// Section names are fixed (ipl, bootloader, kernel, fs); the name key is
// a free-form friendly label.
package memmap

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/ini.v1"
)

// Role identifies a firmware component slot in the memory map.
type Role string

const (
	RoleIPL        Role = "ipl"
	RoleBootloader Role = "bootloader"
	RoleKernel     Role = "kernel"
	RoleFS         Role = "fs"
)

// Roles lists every recognized role in canonical order.
var Roles = []Role{RoleIPL, RoleBootloader, RoleKernel, RoleFS}

var (
	ErrMissingRole   = errors.New("memory map: missing role")
	ErrUnknownRole   = errors.New("memory map: unknown role")
	ErrOverlap       = errors.New("memory map: partitions overlap")
	ErrBlockRange    = errors.New("memory map: invalid block range")
	ErrInvalidSource = errors.New("memory map: invalid source")
)

// Partition is one named region of the storage medium.
type Partition struct {
	Role      Role
	Name      string
	StartBlk  int64
	SizeBlks  int64
	ImagePath string
}

// Map is an immutable, validated memory map plus the NAND geometry used
// to resolve block quantities into byte offsets.
type Map struct {
	blockSize int64
	pageSize  int64
	parts     map[Role]Partition
}

// Load reads and validates a memory map file.
func Load(path string, blockSize, pageSize int64, required []Role) (*Map, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return build(cfg, blockSize, pageSize, required)
}

// Parse is like Load but reads the map from a byte slice.
func Parse(source []byte, blockSize, pageSize int64, required []Role) (*Map, error) {
	cfg, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return build(cfg, blockSize, pageSize, required)
}

func build(cfg *ini.File, blockSize, pageSize int64, required []Role) (*Map, error) {
	if blockSize <= 0 || pageSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d, page size %d",
			ErrInvalidSource, blockSize, pageSize)
	}
	// A NAND erase block is a whole number of program pages.
	if blockSize%pageSize != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a multiple of page size %d",
			ErrInvalidSource, blockSize, pageSize)
	}

	m := &Map{
		blockSize: blockSize,
		pageSize:  pageSize,
		parts:     make(map[Role]Partition),
	}

	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		role := Role(section.Name())
		if !knownRole(role) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, section.Name())
		}

		part := Partition{
			Role:      role,
			Name:      section.Key("name").String(),
			ImagePath: section.Key("image").String(),
		}
		start, err := section.Key("start_blk").Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: start_blk: %v", ErrInvalidSource, role, err)
		}
		size, err := section.Key("size_blks").Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: size_blks: %v", ErrInvalidSource, role, err)
		}
		part.StartBlk, part.SizeBlks = start, size

		if part.StartBlk < 0 || part.SizeBlks <= 0 {
			return nil, fmt.Errorf("%w: %s: start_blk=%d size_blks=%d",
				ErrBlockRange, role, part.StartBlk, part.SizeBlks)
		}
		m.parts[role] = part
	}

	for _, role := range required {
		if _, ok := m.parts[role]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingRole, role)
		}
	}

	if err := m.checkOverlap(); err != nil {
		return nil, err
	}
	return m, nil
}

func knownRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// checkOverlap verifies no two partitions intersect in block range.
func (m *Map) checkOverlap() error {
	parts := m.Partitions()
	for i := 1; i < len(parts); i++ {
		prev, cur := parts[i-1], parts[i]
		if prev.StartBlk+prev.SizeBlks > cur.StartBlk {
			return fmt.Errorf("%w: %s [%d,%d) and %s [%d,%d)",
				ErrOverlap,
				prev.Role, prev.StartBlk, prev.StartBlk+prev.SizeBlks,
				cur.Role, cur.StartBlk, cur.StartBlk+cur.SizeBlks)
		}
	}
	return nil
}

// Partition returns the partition for a role, if present.
func (m *Map) Partition(role Role) (Partition, bool) {
	p, ok := m.parts[role]
	return p, ok
}

// Partitions returns all partitions ordered by start block.
func (m *Map) Partitions() []Partition {
	parts := make([]Partition, 0, len(m.parts))
	for _, p := range m.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].StartBlk < parts[j].StartBlk
	})
	return parts
}

// BlockSize returns the NAND block size in bytes.
func (m *Map) BlockSize() int64 {
	return m.blockSize
}

// PageSize returns the NAND page size in bytes.
func (m *Map) PageSize() int64 {
	return m.pageSize
}

// OffsetBytes returns the partition's byte offset on the medium.
func (m *Map) OffsetBytes(p Partition) int64 {
	return p.StartBlk * m.blockSize
}

// SizeBytes returns the partition's byte size on the medium.
func (m *Map) SizeBytes(p Partition) int64 {
	return p.SizeBlks * m.blockSize
}

// BytesToBlocks converts a byte count to NAND blocks, rounding up.
func (m *Map) BytesToBlocks(size int64) int64 {
	blks := size / m.blockSize
	if size%m.blockSize != 0 {
		blks++
	}
	return blks
}

// TotalBytes returns the end of the furthest partition in bytes, i.e.
// the minimum medium capacity the map requires.
func (m *Map) TotalBytes() int64 {
	var end int64
	for _, p := range m.parts {
		if e := (p.StartBlk + p.SizeBlks) * m.blockSize; e > end {
			end = e
		}
	}
	return end
}
