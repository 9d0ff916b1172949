package board

import (
	"errors"
	"testing"

	"github.com/bigbag/boardflash/internal/memmap"
)

func TestMakeKnownBoards(t *testing.T) {
	for _, id := range IDs() {
		p, err := Make(id)
		if err != nil {
			t.Fatalf("Make(%q) returned error: %v", id, err)
		}
		if p.ID != id {
			t.Errorf("Make(%q).ID = %q", id, p.ID)
		}
		if p.NANDBlockSize <= 0 || p.NANDPageSize <= 0 {
			t.Errorf("%s: invalid NAND geometry %d/%d", id, p.NANDBlockSize, p.NANDPageSize)
		}
		if p.Prompt == "" {
			t.Errorf("%s: empty prompt", id)
		}
	}
}

func TestMakeUnknownBoard(t *testing.T) {
	_, err := Make("no-such-board")
	if !errors.Is(err, ErrUnknownBoard) {
		t.Fatalf("Make(no-such-board) = %v, want ErrUnknownBoard", err)
	}
}

func TestBootloaderHasNoFingerprintPrefix(t *testing.T) {
	// The bootloader is never fingerprint-tracked: it is the component
	// executing the installation and must not be silently re-flashed.
	for _, id := range IDs() {
		p, _ := Make(id)
		if _, ok := p.EnvPrefix[memmap.RoleBootloader]; ok {
			t.Errorf("%s: bootloader role must not have an env prefix", id)
		}
	}
}

func TestNeedsBootHeader(t *testing.T) {
	p, err := Make("dm36x-leopard")
	if err != nil {
		t.Fatal(err)
	}
	if !p.NeedsBootHeader(memmap.RoleIPL) {
		t.Error("dm36x-leopard: IPL should need a boot header")
	}
	if p.NeedsBootHeader(memmap.RoleFS) {
		t.Error("dm36x-leopard: fs should not need a boot header")
	}
}
