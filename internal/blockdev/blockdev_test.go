package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/memmap"
	"github.com/bigbag/boardflash/internal/run"
)

type fakeRunner struct {
	cmds       []string
	outputs    map[string]string // command prefix -> stdout
	failPrefix string
}

func (r *fakeRunner) Run(name string, args ...string) ([]byte, error) {
	cmd := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.cmds = append(r.cmds, cmd)
	if r.failPrefix != "" && strings.HasPrefix(cmd, r.failPrefix) {
		return nil, fmt.Errorf("exit status 1")
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func (r *fakeRunner) ran(prefix string) int {
	count := 0
	for _, c := range r.cmds {
		if strings.HasPrefix(c, prefix) {
			count++
		}
	}
	return count
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

[fs]
name = rootfs
start_blk = 68
size_blks = 1952
image = %s
`

func testMap(t *testing.T, ubootImg, kernelImg, fsImg string) *memmap.Map {
	t.Helper()
	src := fmt.Sprintf(testMapFormat, ubootImg, kernelImg, fsImg)
	m, err := memmap.Parse([]byte(src), 131072, 2048,
		[]memmap.Role{memmap.RoleBootloader, memmap.RoleKernel, memmap.RoleFS})
	require.NoError(t, err)
	return m
}

// newLoopbackInstaller builds an installer over a loopback device with
// real component images on disk and a scripted host runner.
func newLoopbackInstaller(t *testing.T, sizeMB int64) (*Installer, *fakeRunner, string) {
	t.Helper()

	dir := t.TempDir()
	ubootImg := filepath.Join(dir, "u-boot.bin")
	kernelImg := filepath.Join(dir, "uImage")
	fsImg := filepath.Join(dir, "rootfs.img")
	for _, p := range []string{ubootImg, kernelImg, fsImg} {
		require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0644))
	}

	profile, err := board.Make("dm36x-leopard")
	require.NoError(t, err)

	ctx := run.New(false, true, false, true)
	fr := &fakeRunner{outputs: map[string]string{"losetup --show -f": "/dev/loop7\n"}}
	ctx.Runner = fr

	dev := NewLoopback(filepath.Join(dir, "sdcard.img"), sizeMB)
	ins := NewInstaller(dev, profile, ctx)
	ins.ReadPartitions(testMap(t, ubootImg, kernelImg, fsImg))
	return ins, fr, dir
}

func TestFormatLoopback(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)

	require.NoError(t, ins.Format())

	// The backing file must exist with the requested size and be
	// attached to the loop device the host reported.
	info, err := os.Stat(filepath.Join(dir, "sdcard.img"))
	require.NoError(t, err)
	assert.Equal(t, int64(300)<<20, info.Size())
	assert.Equal(t, "/dev/loop7", ins.dev.Path())
	assert.Equal(t, "/dev/loop7p1", ins.dev.PartitionDev(1))

	assert.Equal(t, 1, fr.ran("parted -s /dev/loop7 mklabel msdos"))
	assert.Equal(t, 3, fr.ran("parted -s /dev/loop7 unit B mkpart primary"))
	assert.Equal(t, 2, fr.ran("mkfs.vfat"), "bootloader and kernel partitions are vfat")
	assert.Equal(t, 1, fr.ran("mkfs.ext4"), "root filesystem partition is ext4")
}

func TestFormatLoopbackTooSmall(t *testing.T) {
	// The declared partitions need ~253 MB; a 100 MB image cannot
	// hold them and must be rejected before anything is created.
	ins, fr, dir := newLoopbackInstaller(t, 100)

	err := ins.Format()
	assert.ErrorIs(t, err, ErrCapacity)

	_, statErr := os.Stat(filepath.Join(dir, "sdcard.img"))
	assert.True(t, os.IsNotExist(statErr), "no backing file on a capacity failure")
	assert.Empty(t, fr.cmds, "no partitioning on a capacity failure")
}

func newPhysicalInstaller(t *testing.T, assumeYes bool) (*Installer, *fakeRunner) {
	t.Helper()

	dir := t.TempDir()
	devPath := filepath.Join(dir, "sdb")
	require.NoError(t, os.WriteFile(devPath, nil, 0644))

	profile, err := board.Make("dm36x-leopard")
	require.NoError(t, err)

	ctx := run.New(false, true, false, assumeYes)
	fr := &fakeRunner{outputs: map[string]string{"blockdev --getsize64": "4000000000\n"}}
	ctx.Runner = fr

	imgDir := t.TempDir()
	imgs := make([]string, 3)
	for i, name := range []string{"u-boot.bin", "uImage", "rootfs.img"} {
		imgs[i] = filepath.Join(imgDir, name)
		require.NoError(t, os.WriteFile(imgs[i], make([]byte, 1024), 0644))
	}

	ins := NewInstaller(NewDevice(devPath), profile, ctx)
	ins.ReadPartitions(testMap(t, imgs[0], imgs[1], imgs[2]))
	return ins, fr
}

func TestFormatPhysicalCancelled(t *testing.T) {
	ins, fr := newPhysicalInstaller(t, false)
	asked := false
	ins.Confirm = func(string) bool {
		asked = true
		return false
	}

	err := ins.Format()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, asked, "a destructive format must ask first")
	assert.Zero(t, fr.ran("parted"), "no repartitioning after a refusal")
}

func TestFormatPhysicalAssumeYes(t *testing.T) {
	ins, fr := newPhysicalInstaller(t, true)
	ins.Confirm = func(string) bool {
		t.Fatal("assume-yes must not prompt")
		return false
	}

	require.NoError(t, ins.Format())
	assert.Equal(t, 1, fr.ran("parted -s "+ins.dev.Path()+" mklabel msdos"))
}

func TestFormatPhysicalTooSmall(t *testing.T) {
	ins, fr := newPhysicalInstaller(t, true)
	fr.outputs["blockdev --getsize64"] = "1048576\n" // 1 MB card

	err := ins.Format()
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Zero(t, fr.ran("parted"))
}

func TestMountPartitions(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())

	workdir := filepath.Join(dir, "mnt")
	require.NoError(t, ins.MountPartitions(workdir))

	mounted := ins.MountedPartitions()
	assert.Len(t, mounted, 3)
	assert.Equal(t, filepath.Join(workdir, "kernel"), mounted["kernel"])
	assert.Equal(t, 1, fr.ran("mount /dev/loop7p1 "+filepath.Join(workdir, "uboot")))

	// A second mount of the same partitions must be refused.
	err := ins.MountPartitions(workdir)
	assert.ErrorIs(t, err, ErrDevice)
}

func TestMountRequiresFormat(t *testing.T) {
	ins, _, dir := newLoopbackInstaller(t, 300)

	err := ins.MountPartitions(filepath.Join(dir, "mnt"))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestInstallComponents(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())
	require.NoError(t, ins.MountPartitions(filepath.Join(dir, "mnt")))

	manifest := filepath.Join(dir, "manifest.txt")
	require.NoError(t, ins.InstallComponents("uflash", manifest))

	// The bootloader needs a boot header, so it goes through the
	// stamping tool instead of a plain copy.
	assert.Equal(t, 1, fr.ran("uflash"))

	// The kernel image is copied straight into its partition.
	copied := filepath.Join(dir, "mnt", "kernel", "uImage")
	info, err := os.Stat(copied)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), info.Size())

	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kernel")
	assert.Contains(t, string(data), "uImage")
}

func TestInstallComponentsRequiresMounts(t *testing.T) {
	ins, _, _ := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())

	err := ins.InstallComponents("", "")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRelease(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())
	require.NoError(t, ins.MountPartitions(filepath.Join(dir, "mnt")))

	require.NoError(t, ins.Release())

	assert.Equal(t, 3, fr.ran("umount"))
	assert.Equal(t, 2, fr.ran("fsck.vfat"))
	assert.Equal(t, 1, fr.ran("e2fsck"))
	assert.Equal(t, 1, fr.ran("losetup -d /dev/loop7"))
	assert.Empty(t, ins.MountedPartitions())
}

func TestReleaseAfterFailedInstall(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())
	require.NoError(t, ins.MountPartitions(filepath.Join(dir, "mnt")))

	// Break the kernel image so the install step fails mid-pipeline.
	kernel := ins.parts[1]
	require.NoError(t, os.Remove(kernel.ImagePath))
	err := ins.InstallComponents("", "")
	require.Error(t, err)

	// Release must still tear everything down.
	require.NoError(t, ins.Release())
	assert.Equal(t, 3, fr.ran("umount"))
	assert.Equal(t, 1, fr.ran("losetup -d"))
	assert.Empty(t, ins.MountedPartitions())
}

func TestReleaseDetachesAfterFailedFormat(t *testing.T) {
	ins, fr, _ := newLoopbackInstaller(t, 300)
	fr.failPrefix = "mkfs"

	// Format fails after the loop device was attached.
	err := ins.Format()
	require.Error(t, err)
	assert.Equal(t, 1, fr.ran("losetup --show -f"))

	// Release called right after must still detach the loop device.
	require.NoError(t, ins.Release())
	assert.Equal(t, 1, fr.ran("losetup -d /dev/loop7"))
	assert.Zero(t, fr.ran("umount"), "nothing was mounted")
}

func TestReleaseContinuesPastUnmountErrors(t *testing.T) {
	ins, fr, dir := newLoopbackInstaller(t, 300)
	require.NoError(t, ins.Format())
	require.NoError(t, ins.MountPartitions(filepath.Join(dir, "mnt")))

	fr.failPrefix = "umount"
	err := ins.Release()
	assert.ErrorIs(t, err, ErrDevice)

	assert.Equal(t, 3, fr.ran("umount"), "every unmount is still attempted")
	assert.Equal(t, 1, fr.ran("losetup -d"), "the loop device is still detached")
}

func TestPartitionDevSuffix(t *testing.T) {
	assert.Equal(t, "/dev/sdb1", NewDevice("/dev/sdb").PartitionDev(1))
	assert.Equal(t, "/dev/mmcblk0p2", NewDevice("/dev/mmcblk0").PartitionDev(2))
}
