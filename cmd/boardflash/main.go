package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bigbag/boardflash/internal/blockdev"
	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/console"
	"github.com/bigbag/boardflash/internal/memmap"
	"github.com/bigbag/boardflash/internal/nand"
	"github.com/bigbag/boardflash/internal/netboot"
	"github.com/bigbag/boardflash/internal/run"
	"github.com/bigbag/boardflash/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	boardFlag     string
	mmapFlag      string
	verboseFlag   bool
	quietFlag     bool
	dryRunFlag    bool
	assumeYesFlag bool

	// nand
	portFlag      string
	baudFlag      int
	netModeFlag   string
	boardIPFlag   string
	hostIPFlag    string
	gatewayIPFlag string
	netmaskFlag   string
	tftpDirFlag   string
	tftpPortFlag  int
	ramAddrFlag   string
	blockSizeFlag int64
	pageSizeFlag  int64
	ubootFileFlag string
	forceIPLFlag  bool
	forceKernFlag bool
	forceFSFlag   bool

	// env
	envVarFlag   string
	envValueFlag string
	envForceFlag bool

	// sd
	deviceFlag    string
	imageFlag     string
	imageSizeFlag int64
	workdirFlag   string
	stampToolFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardflash",
		Short: "Install firmware to U-Boot based boards",
		Long: `Boardflash installs firmware components (IPL, bootloader, kernel,
filesystem) to embedded boards, either over the board's U-Boot serial
console into NAND, or onto an SD card / loopback image file.

Component locations come from a memory map file with one section per
component role.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&boardFlag, "board", "", "Board profile (see 'boardflash boards')")
	rootCmd.PersistentFlags().StringVar(&mmapFlag, "mmap", "", "Memory map file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print errors")
	rootCmd.PersistentFlags().BoolVar(&dryRunFlag, "dryrun", false, "Log actions without touching the board or the host")
	rootCmd.PersistentFlags().BoolVarP(&assumeYesFlag, "assume-yes", "y", false, "Answer yes to all confirmations")

	nandCmd := &cobra.Command{
		Use:   "nand",
		Short: "Install components to NAND over the serial console",
		Long: `Install firmware components to the board's NAND through its U-Boot
serial console. Images are moved into board RAM over TFTP first, so a
TFTP server must be serving the directory given by --tftp-dir.

Components whose stored fingerprint already matches the image are
skipped; use the --force-* flags to reinstall them anyway. The
bootloader is always rewritten when it appears in the memory map.`,
		RunE: runNAND,
	}
	nandCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (required)")
	nandCmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	nandCmd.Flags().StringVar(&netModeFlag, "net-mode", netboot.ModeDHCP, "Network mode: static or dhcp")
	nandCmd.Flags().StringVar(&boardIPFlag, "board-ip", "", "Board IP address (static mode)")
	nandCmd.Flags().StringVar(&hostIPFlag, "host-ip", "", "Host IP address the board fetches from (required)")
	nandCmd.Flags().StringVar(&gatewayIPFlag, "gateway-ip", "", "Gateway IP address (static mode)")
	nandCmd.Flags().StringVar(&netmaskFlag, "netmask", "", "Network mask (static mode)")
	nandCmd.Flags().StringVar(&tftpDirFlag, "tftp-dir", netboot.DefaultTFTPDir, "TFTP server root directory")
	nandCmd.Flags().IntVar(&tftpPortFlag, "tftp-port", netboot.DefaultTFTPPort, "TFTP server UDP port")
	nandCmd.Flags().StringVar(&ramAddrFlag, "ram-addr", "", "RAM load address (default from the board profile)")
	nandCmd.Flags().Int64Var(&blockSizeFlag, "nand-block-size", 0, "NAND block size in bytes (default from the board profile)")
	nandCmd.Flags().Int64Var(&pageSizeFlag, "nand-page-size", 0, "NAND page size in bytes (default from the board profile)")
	nandCmd.Flags().StringVar(&ubootFileFlag, "uboot-file", "", "Bootloader image to load into RAM and run before installing")
	nandCmd.Flags().BoolVar(&forceIPLFlag, "force-ipl", false, "Reinstall the IPL even if unchanged")
	nandCmd.Flags().BoolVar(&forceKernFlag, "force-kernel", false, "Reinstall the kernel even if unchanged")
	nandCmd.Flags().BoolVar(&forceFSFlag, "force-fs", false, "Reinstall the filesystem even if unchanged")

	sdCmd := &cobra.Command{
		Use:   "sd",
		Short: "Install components to an SD card or image file",
		Long: `Partition, format and populate an SD card per the memory map. With
--image, a loopback image file of the given size is created and
provisioned instead of a physical device.`,
		RunE: runSD,
	}
	sdCmd.Flags().StringVarP(&deviceFlag, "device", "d", "", "Block device to install to, e.g. /dev/sdb")
	sdCmd.Flags().StringVar(&imageFlag, "image", "", "Loopback image file to create instead of a device")
	sdCmd.Flags().Int64Var(&imageSizeFlag, "image-size-mb", 0, "Loopback image size in MB")
	sdCmd.Flags().StringVar(&workdirFlag, "workdir", "", "Directory for mount points and the install manifest (required)")
	sdCmd.Flags().StringVar(&stampToolFlag, "stamp-tool", "", "External tool that stamps boot headers onto boot-stage images")

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Install a bootloader environment variable",
		Long: `Set a variable in the board's bootloader environment over the serial
console and persist it. The write is skipped when the variable already
holds the requested value, unless --force is given.`,
		RunE: runEnv,
	}
	envCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (required)")
	envCmd.Flags().IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	envCmd.Flags().StringVar(&envVarFlag, "variable", "", "Variable name (required)")
	envCmd.Flags().StringVar(&envValueFlag, "value", "", "Value to set")
	envCmd.Flags().BoolVar(&envForceFlag, "force", false, "Write even when the value is unchanged")

	boardsCmd := &cobra.Command{
		Use:   "boards",
		Short: "List supported board profiles",
		Run: func(cmd *cobra.Command, args []string) {
			for _, id := range board.IDs() {
				p, _ := board.Make(id)
				fmt.Printf("  %-16s %s\n", id, p.Description)
			}
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Printf("  %s\n", p)
			}
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("boardflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(nandCmd, sdCmd, envCmd, boardsCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSetup resolves the pieces every install mode needs: the execution
// context, the board profile and the memory map.
func loadSetup() (run.Context, board.Profile, *memmap.Map, error) {
	ctx := run.New(verboseFlag, quietFlag, dryRunFlag, assumeYesFlag)

	profile, err := board.Make(boardFlag)
	if err != nil {
		return ctx, profile, nil, fmt.Errorf("%w (see 'boardflash boards')", err)
	}

	if mmapFlag == "" {
		return ctx, profile, nil, errors.New("no memory map given, use --mmap")
	}
	blockSize := blockSizeFlag
	if blockSize == 0 {
		blockSize = profile.NANDBlockSize
	}
	pageSize := pageSizeFlag
	if pageSize == 0 {
		pageSize = profile.NANDPageSize
	}
	m, err := memmap.Load(mmapFlag, blockSize, pageSize, nil)
	if err != nil {
		return ctx, profile, nil, err
	}
	return ctx, profile, m, nil
}

func runNAND(cmd *cobra.Command, args []string) error {
	ctx, profile, m, err := loadSetup()
	if err != nil {
		return err
	}
	if !profile.SupportsNAND {
		return fmt.Errorf("board %s has no NAND installation mode", profile.ID)
	}
	if hostIPFlag == "" {
		return errors.New("no host IP given, use --host-ip")
	}

	ramAddr := profile.RAMLoadAddr
	if ramAddrFlag != "" {
		addr, err := strconv.ParseUint(ramAddrFlag, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid RAM address %q: %w", ramAddrFlag, err)
		}
		ramAddr = uint32(addr)
	}

	con, closePort, err := openConsole(profile, ctx)
	if err != nil {
		return err
	}
	defer closePort()

	if err := con.Sync(); err != nil {
		return err
	}
	ctx.Log.Infof("bootloader prompt: %q", con.Prompt())

	loader := netboot.NewLoader(con, ctx)
	loader.Mode = netModeFlag
	loader.BoardIP = boardIPFlag
	loader.HostIP = hostIPFlag
	loader.GatewayIP = gatewayIPFlag
	loader.Netmask = netmaskFlag
	loader.TFTPDir = tftpDirFlag
	loader.TFTPPort = tftpPortFlag
	if err := loader.SetupNetwork(); err != nil {
		return err
	}

	installer := nand.New(con, loader, profile, m, ramAddr, ctx)

	if ubootFileFlag != "" {
		if err := installer.LoadBootloaderToRAM(ubootFileFlag, ramAddr); err != nil {
			return err
		}
	}

	force := map[memmap.Role]bool{
		memmap.RoleIPL:    forceIPLFlag,
		memmap.RoleKernel: forceKernFlag,
		memmap.RoleFS:     forceFSFlag,
	}
	if _, err := installer.InstallAll(force); err != nil {
		return err
	}

	fmt.Println("Installation complete.")
	return nil
}

// openConsole opens the serial transport and builds the console
// session on it. In dry-run mode the port stays closed: the driver
// never touches its transport then.
func openConsole(profile board.Profile, ctx run.Context) (*console.Console, func(), error) {
	if dryRunFlag {
		return console.New(nil, profile, ctx), func() {}, nil
	}
	if portFlag == "" {
		return nil, nil, errors.New("no serial port given, use --port")
	}
	port, err := serial.Open(portFlag, baudFlag)
	if err != nil {
		return nil, nil, err
	}
	ctx.Log.Infof("using %s @ %d baud", port.PortName(), port.BaudRate())
	return console.New(port, profile, ctx), func() { port.Close() }, nil
}

func runEnv(cmd *cobra.Command, args []string) error {
	ctx := run.New(verboseFlag, quietFlag, dryRunFlag, assumeYesFlag)
	profile, err := board.Make(boardFlag)
	if err != nil {
		return fmt.Errorf("%w (see 'boardflash boards')", err)
	}
	if envVarFlag == "" {
		return errors.New("no variable name given, use --variable")
	}

	con, closePort, err := openConsole(profile, ctx)
	if err != nil {
		return err
	}
	defer closePort()

	if err := con.Sync(); err != nil {
		return err
	}
	installer := nand.New(con, nil, profile, nil, 0, ctx)
	return installer.InstallVariable(envVarFlag, envValueFlag, envForceFlag)
}

func runSD(cmd *cobra.Command, args []string) (err error) {
	ctx, profile, m, setupErr := loadSetup()
	if setupErr != nil {
		return setupErr
	}
	if !profile.SupportsSD {
		return fmt.Errorf("board %s has no SD installation mode", profile.ID)
	}
	if workdirFlag == "" {
		return errors.New("no work directory given, use --workdir")
	}

	var dev *blockdev.Device
	switch {
	case deviceFlag != "" && imageFlag != "":
		return errors.New("--device and --image are mutually exclusive")
	case deviceFlag != "":
		dev = blockdev.NewDevice(deviceFlag)
	case imageFlag != "":
		if imageSizeFlag <= 0 {
			return errors.New("--image needs a size, use --image-size-mb")
		}
		dev = blockdev.NewLoopback(imageFlag, imageSizeFlag)
	default:
		return errors.New("no target given, use --device or --image")
	}

	installer := blockdev.NewInstaller(dev, profile, ctx)
	installer.ReadPartitions(m)

	// Registered before Format: a failed format can already hold a loop
	// attachment, and Release only tears down what actually exists.
	defer func() {
		if relErr := installer.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if err = installer.Format(); err != nil {
		return err
	}

	if err = installer.MountPartitions(workdirFlag); err != nil {
		return err
	}
	manifest := filepath.Join(workdirFlag, "installed.manifest")
	if err = installer.InstallComponents(stampToolFlag, manifest); err != nil {
		return err
	}

	fmt.Println("Installation complete.")
	return err
}
