// Package blockdev provisions an SD card or a loopback-backed image
// file with the firmware components. The same pipeline (read
// partitions, format, mount, install, release) runs against both
// device variants; the loopback one substitutes a regular file for the
// physical device so the pipeline can be exercised without hardware.
package blockdev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/memmap"
	"github.com/bigbag/boardflash/internal/run"
)

var (
	ErrDevice    = errors.New("blockdev: device error")
	ErrCapacity  = errors.New("blockdev: device too small for the declared partitions")
	ErrNotReady  = errors.New("blockdev: operation out of order")
	ErrCancelled = errors.New("blockdev: cancelled by the user")
)

// Device is a handle on the target block device: either a physical
// device node or a loopback-attached image file.
type Device struct {
	path     string // device node, or the loop device once attached
	image    string // backing file for the loopback variant
	loopback bool
	sizeMB   int64
	attached bool
}

// NewDevice returns a handle on a physical block device node.
func NewDevice(path string) *Device {
	return &Device{path: path}
}

// NewLoopback returns a handle on a loopback device backed by the
// given image file, created with the given size on Format.
func NewLoopback(imagePath string, sizeMB int64) *Device {
	return &Device{image: imagePath, loopback: true, sizeMB: sizeMB}
}

// Path returns the device node (empty for a loopback not yet attached).
func (d *Device) Path() string {
	return d.path
}

// PartitionDev returns the device node of the nth partition (1-based).
// Loop and mmcblk devices use a "p" suffix, plain disks do not.
func (d *Device) PartitionDev(n int) string {
	if strings.Contains(d.path, "mmcblk") || strings.Contains(d.path, "loop") {
		return fmt.Sprintf("%sp%d", d.path, n)
	}
	return fmt.Sprintf("%s%d", d.path, n)
}

// Installer runs the block-device provisioning pipeline. It owns the
// device handle and the set of partitions it mounted for the whole
// run; Release must always be called, even after a failure, and will
// unmount everything this installer mounted.
type Installer struct {
	ctx     run.Context
	profile board.Profile
	dev     *Device

	// Confirm asks the user before destructive operations on physical
	// devices. Overridden in tests; bypassed by AssumeYes.
	Confirm func(msg string) bool

	mmap      *memmap.Map
	parts     []memmap.Partition
	mounted   map[string]string // partition name -> mount point
	formatted bool
}

// NewInstaller creates an installer for the given device.
func NewInstaller(dev *Device, profile board.Profile, ctx run.Context) *Installer {
	return &Installer{
		ctx:     ctx,
		profile: profile,
		dev:     dev,
		Confirm: confirmOnTerminal,
		mounted: map[string]string{},
	}
}

func confirmOnTerminal(msg string) bool {
	fmt.Printf("%s [y/N] ", msg)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// ReadPartitions registers the memory map the device will be laid out
// from. Must be called before Format.
func (ins *Installer) ReadPartitions(m *memmap.Map) {
	ins.mmap = m
	ins.parts = m.Partitions()
}

// Format destructively partitions and formats the device per the
// memory map. On the loopback variant it first creates the backing
// file and attaches it; a backing file too small for the declared
// partitions is rejected before anything is created.
func (ins *Installer) Format() error {
	if ins.mmap == nil {
		return fmt.Errorf("%w: ReadPartitions must run before Format", ErrNotReady)
	}

	if ins.dev.loopback {
		if err := ins.attachLoopback(); err != nil {
			return err
		}
	} else {
		if err := ins.prepareDevice(); err != nil {
			return err
		}
	}

	ins.ctx.Log.Infof("formatting %s (this may take a while)", ins.dev.path)
	if err := ins.createPartitions(); err != nil {
		return err
	}
	if err := ins.formatPartitions(); err != nil {
		return err
	}
	ins.formatted = true
	return nil
}

// attachLoopback creates the backing file and attaches it to a free
// loop device.
func (ins *Installer) attachLoopback() error {
	need := ins.mmap.TotalBytes()
	have := ins.dev.sizeMB << 20
	if have < need {
		return fmt.Errorf("%w: need %d bytes, image is %d", ErrCapacity, need, have)
	}

	if ins.ctx.DryRun {
		ins.ctx.Log.Infof("DRYRUN: create %s (%d MB) and attach as loop device",
			ins.dev.image, ins.dev.sizeMB)
		ins.dev.path = ins.dev.image
		return nil
	}

	f, err := os.Create(ins.dev.image)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	if err := f.Truncate(have); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	f.Close()

	out, err := ins.ctx.RunHost("losetup", "--show", "-f", ins.dev.image)
	if err != nil {
		return fmt.Errorf("%w: losetup: %v", ErrDevice, err)
	}
	ins.dev.path = strings.TrimSpace(string(out))
	ins.dev.attached = true
	ins.ctx.Log.Debugf("attached %s as %s", ins.dev.image, ins.dev.path)
	return nil
}

// prepareDevice checks a physical device exists and is big enough,
// confirms with the user and unmounts anything the system auto-mounted.
func (ins *Installer) prepareDevice() error {
	if !ins.ctx.DryRun {
		if _, err := os.Stat(ins.dev.path); err != nil {
			return fmt.Errorf("%w: no valid disk at %s", ErrDevice, ins.dev.path)
		}
	}

	size, err := ins.deviceSize()
	if err != nil {
		return err
	}
	if need := ins.mmap.TotalBytes(); !ins.ctx.DryRun && size < need {
		return fmt.Errorf("%w: need %d bytes, %s has %d", ErrCapacity,
			need, ins.dev.path, size)
	}

	if !ins.ctx.AssumeYes && !ins.ctx.DryRun {
		msg := fmt.Sprintf("You are about to repartition %s (all data on it will be lost)",
			ins.dev.path)
		if !ins.Confirm(msg) {
			return ErrCancelled
		}
	}

	return ins.unmountSystemMounts()
}

func (ins *Installer) deviceSize() (int64, error) {
	out, err := ins.ctx.RunHost("blockdev", "--getsize64", ins.dev.path)
	if err != nil {
		if ins.ctx.DryRun {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: cannot read size of %s: %v", ErrDevice, ins.dev.path, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		if ins.ctx.DryRun {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: unexpected blockdev output %q", ErrDevice, out)
	}
	return size, nil
}

// unmountSystemMounts unmounts partitions of the target device that
// the desktop may have auto-mounted.
func (ins *Installer) unmountSystemMounts() error {
	list := fmt.Sprintf("mount | grep '^%s' | cut -d' ' -f1", ins.dev.path)
	out, err := ins.ctx.RunHost("sh", "-c", list)
	if err != nil {
		return nil // nothing mounted
	}
	for _, dev := range strings.Fields(string(out)) {
		ins.ctx.Log.Debugf("unmounting %s", dev)
		if _, err := ins.ctx.RunHost("umount", dev); err != nil {
			return fmt.Errorf("%w: cannot unmount %s: %v", ErrDevice, dev, err)
		}
	}
	return nil
}

// partedFS maps a mkfs filesystem name to parted's spelling.
func partedFS(fs string) string {
	if fs == "vfat" {
		return "fat32"
	}
	return fs
}

func (ins *Installer) createPartitions() error {
	if _, err := ins.ctx.RunHost("parted", "-s", ins.dev.path, "mklabel", "msdos"); err != nil {
		return fmt.Errorf("%w: mklabel: %v", ErrDevice, err)
	}
	for _, part := range ins.parts {
		fs := ins.profile.SDFilesystem[part.Role]
		start := ins.mmap.OffsetBytes(part)
		end := start + ins.mmap.SizeBytes(part) - 1
		_, err := ins.ctx.RunHost("parted", "-s", ins.dev.path, "unit", "B",
			"mkpart", "primary", partedFS(fs),
			strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))
		if err != nil {
			return fmt.Errorf("%w: mkpart %s: %v", ErrDevice, part.Name, err)
		}
	}
	// Let the kernel pick up the new partition table.
	ins.ctx.RunHost("partprobe", ins.dev.path)
	return nil
}

func (ins *Installer) formatPartitions() error {
	for i, part := range ins.parts {
		fs := ins.profile.SDFilesystem[part.Role]
		partDev := ins.dev.PartitionDev(i + 1)
		var err error
		switch fs {
		case "vfat":
			_, err = ins.ctx.RunHost("mkfs.vfat", "-F", "32", "-n", part.Name, partDev)
		case "ext4":
			_, err = ins.ctx.RunHost("mkfs.ext4", "-q", "-L", part.Name, partDev)
		default:
			err = fmt.Errorf("unsupported filesystem %q", fs)
		}
		if err != nil {
			return fmt.Errorf("%w: mkfs %s on %s: %v", ErrDevice, fs, partDev, err)
		}
	}
	return nil
}

// MountPartitions mounts every partition at a deterministic path under
// workdir. A partition already mounted by this installer is an error.
func (ins *Installer) MountPartitions(workdir string) error {
	if !ins.formatted && !ins.ctx.DryRun {
		return fmt.Errorf("%w: Format must run before MountPartitions", ErrNotReady)
	}
	for i, part := range ins.parts {
		if _, ok := ins.mounted[part.Name]; ok {
			return fmt.Errorf("%w: partition %s is already mounted", ErrDevice, part.Name)
		}
		mountPoint := filepath.Join(workdir, part.Name)
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
		if _, err := ins.ctx.RunHost("mount", ins.dev.PartitionDev(i+1), mountPoint); err != nil {
			return fmt.Errorf("%w: mount %s: %v", ErrDevice, part.Name, err)
		}
		ins.mounted[part.Name] = mountPoint
	}
	return nil
}

// MountedPartitions returns the partitions currently mounted by this
// installer, keyed by partition name.
func (ins *Installer) MountedPartitions() map[string]string {
	snapshot := make(map[string]string, len(ins.mounted))
	for name, mp := range ins.mounted {
		snapshot[name] = mp
	}
	return snapshot
}

// InstallComponents copies each component image into its mounted
// partition, stamping boot-header components with the external tool,
// and writes a manifest of what was installed.
func (ins *Installer) InstallComponents(stampTool, manifestPath string) error {
	var manifest strings.Builder
	fmt.Fprintf(&manifest, "# installed by boardflash on %s\n",
		time.Now().Format(time.RFC3339))

	for _, part := range ins.parts {
		mountPoint, ok := ins.mounted[part.Name]
		if !ok {
			return fmt.Errorf("%w: partition %s is not mounted", ErrNotReady, part.Name)
		}
		if part.ImagePath == "" {
			ins.ctx.Log.Warnf("no image for %s, leaving it empty", part.Name)
			continue
		}

		dst := filepath.Join(mountPoint, filepath.Base(part.ImagePath))
		if ins.profile.NeedsBootHeader(part.Role) && stampTool != "" {
			ins.ctx.Log.Infof("stamping %s with %s", part.ImagePath, stampTool)
			if _, err := ins.ctx.RunHost(stampTool, part.ImagePath, dst); err != nil {
				return fmt.Errorf("%w: stamp %s: %v", ErrDevice, part.Name, err)
			}
		} else {
			if err := ins.copyImage(part.ImagePath, dst); err != nil {
				return fmt.Errorf("%w: install %s: %v", ErrDevice, part.Name, err)
			}
		}

		size := int64(0)
		if info, err := os.Stat(part.ImagePath); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&manifest, "%s %s %s %d\n", part.Role, part.Name, part.ImagePath, size)
	}

	if manifestPath != "" && !ins.ctx.DryRun {
		if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0644); err != nil {
			return fmt.Errorf("%w: write manifest: %v", ErrDevice, err)
		}
	}
	return nil
}

func (ins *Installer) copyImage(srcPath, dstPath string) error {
	if ins.ctx.DryRun {
		ins.ctx.Log.Infof("DRYRUN: cp %s %s", srcPath, dstPath)
		return nil
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	bar := progressbar.DefaultBytes(info.Size(), "copying "+filepath.Base(srcPath))
	if _, err := io.Copy(io.MultiWriter(dst, bar), src); err != nil {
		return err
	}
	return dst.Sync()
}

// fsckCmd returns the consistency check invocation for a filesystem.
func fsckCmd(fs, partDev string) []string {
	switch fs {
	case "vfat":
		return []string{"fsck.vfat", "-a", partDev}
	case "ext4":
		return []string{"e2fsck", "-fy", partDev}
	default:
		return []string{"fsck", "-y", partDev}
	}
}

// Release unmounts every partition this installer mounted, checks the
// filesystems and detaches the loopback device. It keeps going past
// individual failures so an error earlier in the pipeline never leaks
// mounts or loop devices.
func (ins *Installer) Release() error {
	var errs []error

	ins.ctx.RunHost("sync")

	for i, part := range ins.parts {
		mountPoint, ok := ins.mounted[part.Name]
		if !ok {
			continue
		}
		if _, err := ins.ctx.RunHost("umount", mountPoint); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", part.Name, err))
			continue
		}
		delete(ins.mounted, part.Name)

		if ins.formatted {
			check := fsckCmd(ins.profile.SDFilesystem[part.Role], ins.dev.PartitionDev(i+1))
			if _, err := ins.ctx.RunHost(check[0], check[1:]...); err != nil {
				errs = append(errs, fmt.Errorf("fsck %s: %w", part.Name, err))
			}
		}
	}

	if ins.dev.attached {
		if _, err := ins.ctx.RunHost("losetup", "-d", ins.dev.path); err != nil {
			errs = append(errs, fmt.Errorf("detach %s: %w", ins.dev.path, err))
		} else {
			ins.dev.attached = false
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrDevice, errors.Join(errs...))
	}
	return nil
}
