// Package board supplies the board-specific constants consumed by the
// console driver and the installers: prompt, NAND geometry, environment
// variable naming and erase/write command spellings. Profiles are plain
// configuration values; new boards are added by registering a profile,
// not by branching installer logic.
package board

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bigbag/boardflash/internal/memmap"
)

// ErrUnknownBoard is returned by Make for an unregistered board id.
var ErrUnknownBoard = errors.New("unknown board")

// Profile holds every board-specific constant the installers need.
type Profile struct {
	ID          string
	Description string

	// Prompt is the bootloader prompt expected on the console, e.g.
	// "U-Boot >". The console driver re-identifies the prompt during
	// sync; this value is the dry-run fallback.
	Prompt string

	NANDBlockSize int64
	NANDPageSize  int64
	RAMLoadAddr   uint32

	// EnvPrefix maps a role to the prefix of its fingerprint variables
	// (<prefix>md5sum, <prefix>offset, <prefix>size, <prefix>partitionsize).
	EnvPrefix map[memmap.Role]string

	// EraseCmd / WriteCmd are the console command spellings per role.
	// Some boards use dedicated write variants for boot-stage images.
	EraseCmd map[memmap.Role]string
	WriteCmd map[memmap.Role]string

	// SDFilesystem maps a role to the filesystem created for its
	// partition in SD/loopback mode.
	SDFilesystem map[memmap.Role]string

	// BootHeaderRoles lists roles whose images need the external
	// stamping tool before being written to a block device.
	BootHeaderRoles []memmap.Role

	SupportsNAND bool
	SupportsSD   bool
}

// NeedsBootHeader reports whether the role's image must be stamped with
// a boot header before block-device installation.
func (p Profile) NeedsBootHeader(role memmap.Role) bool {
	for _, r := range p.BootHeaderRoles {
		if r == role {
			return true
		}
	}
	return false
}

var registry = map[string]Profile{}

func register(p Profile) {
	registry[p.ID] = p
}

// Make returns the profile registered under the given board id.
func Make(id string) (Profile, error) {
	p, ok := registry[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownBoard, id, IDs())
	}
	return p, nil
}

// IDs returns the registered board ids, sorted.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func init() {
	register(Profile{
		ID:            "dm36x-leopard",
		Description:   "Leopard Board DM36x",
		Prompt:        "DM36x EVM #",
		NANDBlockSize: 131072,
		NANDPageSize:  2048,
		RAMLoadAddr:   0x82000000,
		EnvPrefix: map[memmap.Role]string{
			memmap.RoleIPL:    "ipl",
			memmap.RoleKernel: "k",
			memmap.RoleFS:     "fs",
		},
		EraseCmd: map[memmap.Role]string{
			memmap.RoleIPL:        "nand erase",
			memmap.RoleBootloader: "nand erase",
			memmap.RoleKernel:     "nand erase",
			memmap.RoleFS:         "nand erase",
		},
		WriteCmd: map[memmap.Role]string{
			// The DM36x boot ROM expects UBL-formatted boot stages.
			memmap.RoleIPL:        "nand write.ubl",
			memmap.RoleBootloader: "nand write.ubl",
			memmap.RoleKernel:     "nand write",
			memmap.RoleFS:         "nand write",
		},
		SDFilesystem: map[memmap.Role]string{
			memmap.RoleIPL:        "vfat",
			memmap.RoleBootloader: "vfat",
			memmap.RoleKernel:     "vfat",
			memmap.RoleFS:         "ext4",
		},
		BootHeaderRoles: []memmap.Role{memmap.RoleIPL, memmap.RoleBootloader},
		SupportsNAND:    true,
		SupportsSD:      true,
	})

	register(Profile{
		ID:            "dm816x-evm",
		Description:   "DM816x EVM",
		Prompt:        "TI8168_EVM#",
		NANDBlockSize: 262144,
		NANDPageSize:  2048,
		RAMLoadAddr:   0x81000000,
		EnvPrefix: map[memmap.Role]string{
			memmap.RoleIPL:    "ipl",
			memmap.RoleKernel: "k",
			memmap.RoleFS:     "fs",
		},
		EraseCmd: map[memmap.Role]string{
			memmap.RoleIPL:        "nand erase",
			memmap.RoleBootloader: "nand erase",
			memmap.RoleKernel:     "nand erase",
			memmap.RoleFS:         "nand erase",
		},
		WriteCmd: map[memmap.Role]string{
			memmap.RoleIPL:        "nand write",
			memmap.RoleBootloader: "nand write",
			memmap.RoleKernel:     "nand write",
			memmap.RoleFS:         "nand write",
		},
		SDFilesystem: map[memmap.Role]string{
			memmap.RoleIPL:        "vfat",
			memmap.RoleBootloader: "vfat",
			memmap.RoleKernel:     "vfat",
			memmap.RoleFS:         "ext4",
		},
		BootHeaderRoles: []memmap.Role{memmap.RoleIPL},
		SupportsNAND:    true,
		SupportsSD:      true,
	})
}
