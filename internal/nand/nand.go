// Package nand installs firmware components into NAND flash through
// the bootloader console. Every component carries a fingerprint
// (checksum, offset, size) in the bootloader environment; installation
// is skipped when the candidate image matches the stored fingerprint,
// and the fingerprint is persisted only after a successful write so an
// interrupted run re-installs instead of wrongly skipping.
package nand

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/console"
	"github.com/bigbag/boardflash/internal/memmap"
	"github.com/bigbag/boardflash/internal/netboot"
	"github.com/bigbag/boardflash/internal/run"
)

const (
	// nandTimeout bounds erase and write commands, which legitimately
	// take a while on large partitions.
	nandTimeout = 60 * time.Second

	resetBannerTimeout = 10 * time.Second
)

// Console is the slice of the protocol driver the installer needs.
type Console interface {
	Run(cmd string, opts ...console.Option) (string, error)
	Expect(pattern string, timeout time.Duration) (bool, string, error)
	GetVar(name string) (string, error)
	SetVar(name, value string) error
	SaveEnv() error
	Sync() error
}

// RAMLoader moves a local image into board RAM.
type RAMLoader interface {
	LoadToRAM(path string, addr uint32) (int64, error)
}

// Result reports what an Install call did.
type Result int

const (
	Skipped Result = iota
	Installed
)

func (r Result) String() string {
	if r == Skipped {
		return "skipped"
	}
	return "installed"
}

// fingerprint is the per-component provenance stored in the bootloader
// environment under <prefix>md5sum/offset/size/partitionsize.
type fingerprint struct {
	md5sum   string
	offset   string
	size     string
	partSize string
}

// Installer installs components to NAND.
type Installer struct {
	ctx     run.Context
	con     Console
	loader  RAMLoader
	profile board.Profile
	mmap    *memmap.Map
	ramAddr uint32

	// bootWait is how long the bootloader gets to come back up after a
	// reset or a jump to a fresh image. Tests shorten it.
	bootWait time.Duration
}

// New creates a NAND installer.
func New(con Console, loader RAMLoader, profile board.Profile, m *memmap.Map,
	ramAddr uint32, ctx run.Context) *Installer {
	return &Installer{
		ctx:      ctx,
		con:      con,
		loader:   loader,
		profile:  profile,
		mmap:     m,
		ramAddr:  ramAddr,
		bootWait: 4 * time.Second,
	}
}

// md5sum computes the candidate image's checksum.
func md5sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Install installs the image for a role, skipping work when the stored
// fingerprint already matches. The bootloader role ignores force by
// design: it is the code currently executing the installation.
func (ins *Installer) Install(role memmap.Role, imagePath string, force bool) (Result, error) {
	part, ok := ins.mmap.Partition(role)
	if !ok {
		return Skipped, fmt.Errorf("nand: role %s not present in the memory map", role)
	}
	if imagePath == "" {
		imagePath = part.ImagePath
	}
	if imagePath == "" {
		return Skipped, fmt.Errorf("nand: no image for role %s", role)
	}

	if role == memmap.RoleBootloader {
		if force {
			ins.ctx.Log.Warn("force is ignored for the bootloader: it is what is " +
				"executing the installation")
		}
		if err := ins.installBootloader(part, imagePath); err != nil {
			return Skipped, err
		}
		return Installed, nil
	}
	return ins.installFingerprinted(role, part, imagePath, force)
}

// InstallAll installs every component present in the memory map, in
// boot order. A failing component does not stop the remaining ones:
// partitions do not overlap and each write-then-persist sequence is
// independent. Failures of shared preconditions (network, console
// connection) abort immediately.
func (ins *Installer) InstallAll(force map[memmap.Role]bool) (map[memmap.Role]Result, error) {
	results := make(map[memmap.Role]Result, len(memmap.Roles))
	var failed []string
	for _, role := range memmap.Roles {
		if _, ok := ins.mmap.Partition(role); !ok {
			continue
		}
		res, err := ins.Install(role, "", force[role])
		if err != nil {
			if errors.Is(err, netboot.ErrNetwork) || errors.Is(err, console.ErrConnection) {
				return results, err
			}
			ins.ctx.Log.Errorf("%s: %v", role, err)
			failed = append(failed, string(role))
			continue
		}
		results[role] = res
		ins.ctx.Log.Infof("%s: %s", role, res)
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("nand: installation failed for %s", strings.Join(failed, ", "))
	}
	return results, nil
}

func (ins *Installer) installFingerprinted(role memmap.Role, part memmap.Partition,
	imagePath string, force bool) (Result, error) {
	ins.ctx.Log.Infof("installing %s", role)

	offset, imgAligned, partSize, err := ins.layout(part, imagePath)
	if err != nil {
		return Skipped, err
	}

	sum, err := md5sum(imagePath)
	if err != nil {
		return Skipped, fmt.Errorf("nand: checksum %s: %w", imagePath, err)
	}
	candidate := fingerprint{
		md5sum:   sum,
		offset:   fmt.Sprintf("%#x", offset),
		size:     fmt.Sprintf("%#x", imgAligned),
		partSize: fmt.Sprintf("%#x", partSize),
	}

	prefix := ins.profile.EnvPrefix[role]
	if !force && !ins.installNeeded(prefix, candidate) {
		ins.ctx.Log.Infof("%s is already up to date", role)
		return Skipped, nil
	}

	if err := ins.writeImage(role, imagePath, offset, imgAligned, partSize); err != nil {
		return Skipped, err
	}

	// Persist the fingerprint only after the write reported success.
	if err := ins.saveFingerprint(prefix, candidate); err != nil {
		return Skipped, fmt.Errorf("nand: persist %s fingerprint: %w", role, err)
	}
	ins.ctx.Log.Infof("%s installation complete", role)
	return Installed, nil
}

// layout computes the byte offset, block-aligned image size and
// partition size for an image within its partition.
func (ins *Installer) layout(part memmap.Partition, imagePath string) (offset, imgAligned, partSize int64, err error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("nand: %w", err)
	}

	offset = ins.mmap.OffsetBytes(part)
	imgBlks := ins.mmap.BytesToBlocks(info.Size())
	imgAligned = imgBlks * ins.mmap.BlockSize()
	partSize = ins.mmap.SizeBytes(part)
	if imgBlks > part.SizeBlks {
		ins.ctx.Log.Warnf("image %s needs %d NAND blocks, partition %s declares %d",
			imagePath, imgBlks, part.Name, part.SizeBlks)
		partSize = imgAligned
	}
	return offset, imgAligned, partSize, nil
}

// installNeeded compares the candidate fingerprint with the one stored
// on the board. Any difference (or absence) requires installation.
func (ins *Installer) installNeeded(prefix string, candidate fingerprint) bool {
	stored := fingerprint{
		md5sum:   ins.getVarQuiet(prefix + "md5sum"),
		offset:   ins.getVarQuiet(prefix + "offset"),
		size:     ins.getVarQuiet(prefix + "size"),
		partSize: ins.getVarQuiet(prefix + "partitionsize"),
	}
	return stored != candidate
}

// getVarQuiet reads a variable, treating "not defined" as empty.
func (ins *Installer) getVarQuiet(name string) string {
	v, err := ins.con.GetVar(name)
	if err != nil {
		return ""
	}
	return v
}

// writeImage loads the image to RAM, erases the partition's byte range
// and writes the image there.
func (ins *Installer) writeImage(role memmap.Role, imagePath string,
	offset, imgAligned, partSize int64) error {
	if err := ins.con.SetVar("autostart", "no"); err != nil {
		return err
	}
	if _, err := ins.loader.LoadToRAM(imagePath, ins.ramAddr); err != nil {
		return fmt.Errorf("nand: load %s to RAM: %w", role, err)
	}
	if err := ins.con.SetVar("autostart", "yes"); err != nil {
		return err
	}

	erase := fmt.Sprintf("%s %#x %#x", ins.profile.EraseCmd[role], offset, partSize)
	if _, err := ins.con.Run(erase, console.WithTimeout(nandTimeout)); err != nil {
		return fmt.Errorf("nand: erase %s: %w", role, err)
	}

	write := fmt.Sprintf("%s %#x %#x %#x", ins.profile.WriteCmd[role],
		int64(ins.ramAddr), offset, imgAligned)
	if _, err := ins.con.Run(write, console.WithTimeout(nandTimeout)); err != nil {
		return fmt.Errorf("nand: write %s: %w", role, err)
	}
	return nil
}

func (ins *Installer) saveFingerprint(prefix string, fp fingerprint) error {
	vars := []struct{ name, value string }{
		{prefix + "md5sum", fp.md5sum},
		{prefix + "offset", fp.offset},
		{prefix + "size", fp.size},
		{prefix + "partitionsize", fp.partSize},
	}
	for _, v := range vars {
		if err := ins.con.SetVar(v.name, v.value); err != nil {
			return err
		}
	}
	return ins.con.SaveEnv()
}

// installBootloader writes the bootloader image and restarts the board
// to run it. No fingerprint is kept for this role and no force flag
// applies: overwriting the code driving the installation is always an
// explicit, unconditional operation.
func (ins *Installer) installBootloader(part memmap.Partition, imagePath string) error {
	ins.ctx.Log.Info("installing bootloader")

	offset, imgAligned, _, err := ins.layout(part, imagePath)
	if err != nil {
		return err
	}

	if err := ins.con.SetVar("autostart", "no"); err != nil {
		return err
	}
	if err := ins.con.SaveEnv(); err != nil {
		return err
	}
	if _, err := ins.loader.LoadToRAM(imagePath, ins.ramAddr); err != nil {
		return fmt.Errorf("nand: load bootloader to RAM: %w", err)
	}

	erase := fmt.Sprintf("%s %#x %#x", ins.profile.EraseCmd[memmap.RoleBootloader],
		offset, imgAligned)
	if _, err := ins.con.Run(erase, console.WithTimeout(nandTimeout)); err != nil {
		return fmt.Errorf("nand: erase bootloader: %w", err)
	}
	write := fmt.Sprintf("%s %#x %#x %#x", ins.profile.WriteCmd[memmap.RoleBootloader],
		int64(ins.ramAddr), offset, imgAligned)
	if _, err := ins.con.Run(write, console.WithTimeout(nandTimeout)); err != nil {
		return fmt.Errorf("nand: write bootloader: %w", err)
	}

	ins.ctx.Log.Debug("restarting to run the bootloader from NAND")
	if _, err := ins.con.Run("reset", console.WithoutPromptWait()); err != nil {
		return err
	}
	if found, _, _ := ins.con.Expect("U-Boot", resetBannerTimeout); !found && !ins.ctx.DryRun {
		return fmt.Errorf("nand: new bootloader did not come up after reset")
	}
	time.Sleep(ins.bootWait)
	if err := ins.con.Sync(); err != nil {
		return fmt.Errorf("nand: resync with the new bootloader: %w", err)
	}

	if err := ins.con.SetVar("autostart", "yes"); err != nil {
		return err
	}
	if err := ins.con.SaveEnv(); err != nil {
		return err
	}
	ins.ctx.Log.Info("bootloader installation complete")
	return nil
}

// LoadBootloaderToRAM loads a bootloader image into RAM and jumps to
// it, so a newer bootloader can drive the rest of the installation
// without touching NAND first. The previous bootcmd is restored once
// the new bootloader is up.
func (ins *Installer) LoadBootloaderToRAM(imagePath string, loadAddr uint32) error {
	ins.ctx.Log.Info("loading bootloader to RAM")

	// Refuse to continue without the icache command: jumping with the
	// instruction cache on is a known way to hang these boards.
	if _, err := ins.con.Run("icache", console.WithoutPromptWait()); err != nil {
		return err
	}
	if found, _, _ := ins.con.Expect("Instruction Cache is", 2*time.Second); !found && !ins.ctx.DryRun {
		return fmt.Errorf("nand: bootloader has no icache command; update it " +
			"by other means, e.g. an SD card")
	}

	prevBootcmd := ins.getVarQuiet("bootcmd")
	if err := ins.con.SetVar("bootcmd", ""); err != nil {
		return err
	}
	if err := ins.con.SaveEnv(); err != nil {
		return err
	}

	if _, err := ins.loader.LoadToRAM(imagePath, loadAddr); err != nil {
		return fmt.Errorf("nand: load bootloader to RAM: %w", err)
	}
	if _, err := ins.con.Run("icache off"); err != nil {
		return err
	}
	cmd := fmt.Sprintf("go %#x", int64(loadAddr))
	if _, err := ins.con.Run(cmd, console.WithoutEchoWait(), console.WithoutPromptWait()); err != nil {
		return err
	}
	time.Sleep(ins.bootWait)
	if err := ins.con.Sync(); err != nil {
		return fmt.Errorf("nand: new bootloader did not start: %w", err)
	}

	if prevBootcmd != "" {
		if err := ins.con.SetVar("bootcmd", prevBootcmd); err != nil {
			return err
		}
		if err := ins.con.SaveEnv(); err != nil {
			return err
		}
	}
	return nil
}

// InstallVariable idempotently installs a bootloader environment
// variable (bootargs, bootcmd, mtdparts and friends).
func (ins *Installer) InstallVariable(name, value string, force bool) error {
	value = strings.TrimSpace(value)
	if !force {
		if current := ins.getVarQuiet(name); current == value {
			ins.ctx.Log.Infof("%s is already up to date", name)
			return nil
		}
	}
	if err := ins.con.SetVar(name, value); err != nil {
		return err
	}
	if err := ins.con.SaveEnv(); err != nil {
		return err
	}
	ins.ctx.Log.Infof("%s installed", name)
	return nil
}
