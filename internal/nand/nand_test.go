package nand

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/console"
	"github.com/bigbag/boardflash/internal/memmap"
	"github.com/bigbag/boardflash/internal/netboot"
	"github.com/bigbag/boardflash/internal/run"
)

type fakeConsole struct {
	env     map[string]string
	runs    []string
	saved   int
	syncs   int
	failCmd string // commands with this prefix fail with a device error
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{env: map[string]string{}}
}

func (f *fakeConsole) Run(cmd string, opts ...console.Option) (string, error) {
	f.runs = append(f.runs, cmd)
	if f.failCmd != "" && strings.HasPrefix(cmd, f.failCmd) {
		return "", &console.DeviceError{Cmd: cmd, Output: "NAND write to offset failed"}
	}
	return "", nil
}

func (f *fakeConsole) Expect(pattern string, timeout time.Duration) (bool, string, error) {
	return true, pattern, nil
}

func (f *fakeConsole) GetVar(name string) (string, error) {
	v, ok := f.env[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", console.ErrVarNotFound, name)
	}
	return v, nil
}

func (f *fakeConsole) SetVar(name, value string) error {
	f.env[name] = value
	return nil
}

func (f *fakeConsole) SaveEnv() error {
	f.saved++
	return nil
}

func (f *fakeConsole) Sync() error {
	f.syncs++
	return nil
}

func (f *fakeConsole) ran(prefix string) int {
	count := 0
	for _, r := range f.runs {
		if strings.HasPrefix(r, prefix) {
			count++
		}
	}
	return count
}

type fakeLoader struct {
	loads []string
	err   error
}

func (l *fakeLoader) LoadToRAM(path string, addr uint32) (int64, error) {
	l.loads = append(l.loads, path)
	if l.err != nil {
		return 0, l.err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

const testMapFormat = `
[bootloader]
name = uboot
start_blk = 25
size_blks = 7
image = %s

[kernel]
name = kernel
start_blk = 32
size_blks = 36
image = %s
`

func newTestInstaller(t *testing.T, fc *fakeConsole) (*Installer, *fakeLoader, string) {
	t.Helper()

	dir := t.TempDir()
	img := filepath.Join(dir, "kernel.img")
	require.NoError(t, os.WriteFile(img, bytes.Repeat([]byte{0xAB}, 4096), 0644))
	ubootImg := filepath.Join(dir, "bootloader.img")
	require.NoError(t, os.WriteFile(ubootImg, bytes.Repeat([]byte{0xCD}, 2048), 0644))

	src := fmt.Sprintf(testMapFormat, ubootImg, img)
	m, err := memmap.Parse([]byte(src), 131072, 2048,
		[]memmap.Role{memmap.RoleBootloader, memmap.RoleKernel})
	require.NoError(t, err)

	profile, err := board.Make("dm36x-leopard")
	require.NoError(t, err)

	fl := &fakeLoader{}
	ins := New(fc, fl, profile, m, 0x82000000, run.New(false, true, false, false))
	ins.bootWait = 0
	return ins, fl, img
}

func fileMD5(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestInstallKernelEndToEnd(t *testing.T) {
	fc := newFakeConsole()
	fc.env["kmd5sum"] = "0123456789abcdef0123456789abcdef" // stale checksum

	ins, fl, img := newTestInstaller(t, fc)

	res, err := ins.Install(memmap.RoleKernel, "", false)
	require.NoError(t, err)
	assert.Equal(t, Installed, res)

	// One transfer, one erase over the full partition, one write of the
	// block-aligned image length at the partition offset.
	assert.Equal(t, []string{img}, fl.loads)
	assert.Equal(t, 1, fc.ran("nand erase 0x400000 0x480000"))
	assert.Equal(t, 1, fc.ran("nand write 0x82000000 0x400000 0x20000"))

	assert.Equal(t, fileMD5(t, img), fc.env["kmd5sum"])
	assert.Equal(t, "0x400000", fc.env["koffset"])
	assert.Equal(t, "0x20000", fc.env["ksize"])
	assert.Equal(t, "0x480000", fc.env["kpartitionsize"])
	assert.Equal(t, 1, fc.saved, "fingerprint must be saved durably")
}

func seedFingerprint(fc *fakeConsole, t *testing.T, img string) {
	t.Helper()
	fc.env["kmd5sum"] = fileMD5(t, img)
	fc.env["koffset"] = "0x400000"
	fc.env["ksize"] = "0x20000"
	fc.env["kpartitionsize"] = "0x480000"
}

func TestInstallSkippedWhenUpToDate(t *testing.T) {
	fc := newFakeConsole()
	ins, fl, img := newTestInstaller(t, fc)
	seedFingerprint(fc, t, img)

	res, err := ins.Install(memmap.RoleKernel, "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)

	assert.Empty(t, fl.loads, "no transfer on a skipped install")
	assert.Zero(t, fc.ran("nand erase"), "no erase on a skipped install")
	assert.Zero(t, fc.ran("nand write"), "no write on a skipped install")
}

func TestInstallIdempotence(t *testing.T) {
	fc := newFakeConsole()
	ins, fl, _ := newTestInstaller(t, fc)

	res, err := ins.Install(memmap.RoleKernel, "", false)
	require.NoError(t, err)
	assert.Equal(t, Installed, res)
	writes := fc.ran("nand write")

	// Second run sees the fingerprint the first run persisted.
	res, err = ins.Install(memmap.RoleKernel, "", false)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Equal(t, writes, fc.ran("nand write"), "second run must not write")
	assert.Len(t, fl.loads, 1)
}

func TestInstallForce(t *testing.T) {
	fc := newFakeConsole()
	ins, _, img := newTestInstaller(t, fc)
	seedFingerprint(fc, t, img)

	res, err := ins.Install(memmap.RoleKernel, "", true)
	require.NoError(t, err)
	assert.Equal(t, Installed, res)
	assert.Equal(t, 1, fc.ran("nand write"))
	assert.Equal(t, 1, fc.saved, "force must refresh the fingerprint")
}

func TestFingerprintNotSavedWhenWriteFails(t *testing.T) {
	fc := newFakeConsole()
	fc.failCmd = "nand write"
	ins, _, _ := newTestInstaller(t, fc)

	_, err := ins.Install(memmap.RoleKernel, "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, console.ErrDevice)

	assert.NotContains(t, fc.env, "kmd5sum", "failed write must not persist a fingerprint")
	assert.Zero(t, fc.saved)
}

func TestInstallBootloader(t *testing.T) {
	fc := newFakeConsole()
	ins, fl, _ := newTestInstaller(t, fc)

	res, err := ins.Install(memmap.RoleBootloader, "", false)
	require.NoError(t, err)
	assert.Equal(t, Installed, res)

	assert.Len(t, fl.loads, 1)
	// bootloader partition: block 25 of 128 KiB blocks, 2 KiB image.
	assert.Equal(t, 1, fc.ran("nand erase 0x320000 0x20000"))
	assert.Equal(t, 1, fc.ran("nand write.ubl 0x82000000 0x320000 0x20000"))
	assert.Equal(t, 1, fc.ran("reset"))
	assert.Equal(t, 1, fc.syncs, "must resync with the freshly written bootloader")
	assert.Equal(t, "yes", fc.env["autostart"])

	// No fingerprint is ever tracked for the bootloader.
	for name := range fc.env {
		assert.NotContains(t, name, "md5sum")
	}
}

func TestInstallBootloaderIgnoresForce(t *testing.T) {
	fc := newFakeConsole()
	ins, _, _ := newTestInstaller(t, fc)

	// force must not change the outcome or trip a fingerprint path
	res, err := ins.Install(memmap.RoleBootloader, "", true)
	require.NoError(t, err)
	assert.Equal(t, Installed, res)
}

func TestInstallMissingRole(t *testing.T) {
	fc := newFakeConsole()
	ins, _, _ := newTestInstaller(t, fc)

	_, err := ins.Install(memmap.RoleFS, "", false)
	require.Error(t, err)
}

func TestInstallAll(t *testing.T) {
	fc := newFakeConsole()
	ins, fl, _ := newTestInstaller(t, fc)

	results, err := ins.InstallAll(nil)
	require.NoError(t, err)
	assert.Equal(t, Installed, results[memmap.RoleBootloader])
	assert.Equal(t, Installed, results[memmap.RoleKernel])
	assert.Len(t, fl.loads, 2)
}

func TestInstallAllContinuesPastComponentFailure(t *testing.T) {
	fc := newFakeConsole()
	fc.failCmd = "nand write.ubl" // bootloader write fails, kernel write does not
	ins, _, img := newTestInstaller(t, fc)

	results, err := ins.InstallAll(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootloader")

	// The kernel must still have been installed after the bootloader
	// failure: its partition is independent of the failed one.
	assert.Equal(t, Installed, results[memmap.RoleKernel])
	assert.Equal(t, 1, fc.ran("nand write 0x82000000"))
	assert.Equal(t, fileMD5(t, img), fc.env["kmd5sum"])
}

func TestInstallAllAbortsWhenNetworkLost(t *testing.T) {
	fc := newFakeConsole()
	ins, fl, _ := newTestInstaller(t, fc)
	fl.err = fmt.Errorf("%w: host stopped answering", netboot.ErrNetwork)

	_, err := ins.InstallAll(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, netboot.ErrNetwork)

	// Losing the link is a shared precondition: no further components
	// may be attempted.
	assert.Len(t, fl.loads, 1)
	assert.Zero(t, fc.ran("nand erase"))
	assert.Zero(t, fc.ran("nand write"))
}

func TestInstallVariable(t *testing.T) {
	fc := newFakeConsole()
	ins, _, _ := newTestInstaller(t, fc)

	require.NoError(t, ins.InstallVariable("bootargs", "console=ttyS0 root=/dev/mtdblock3", false))
	assert.Equal(t, "console=ttyS0 root=/dev/mtdblock3", fc.env["bootargs"])
	assert.Equal(t, 1, fc.saved)

	// Unchanged value: no new save.
	require.NoError(t, ins.InstallVariable("bootargs", "console=ttyS0 root=/dev/mtdblock3", false))
	assert.Equal(t, 1, fc.saved)

	// Forced: saved again.
	require.NoError(t, ins.InstallVariable("bootargs", "console=ttyS0 root=/dev/mtdblock3", true))
	assert.Equal(t, 2, fc.saved)
}

func TestLoadBootloaderToRAM(t *testing.T) {
	fc := newFakeConsole()
	fc.env["bootcmd"] = "nboot 0x82000000 0 0x400000"
	ins, fl, _ := newTestInstaller(t, fc)

	dir := t.TempDir()
	img := filepath.Join(dir, "u-boot-new.bin")
	require.NoError(t, os.WriteFile(img, bytes.Repeat([]byte{0xEE}, 1024), 0644))

	require.NoError(t, ins.LoadBootloaderToRAM(img, 0x82000000))

	assert.Equal(t, []string{img}, fl.loads)
	assert.Equal(t, 1, fc.ran("icache off"))
	assert.Equal(t, 1, fc.ran("go 0x82000000"))
	assert.Equal(t, 1, fc.syncs)
	assert.Equal(t, "nboot 0x82000000 0 0x400000", fc.env["bootcmd"],
		"previous bootcmd must be restored")
}
