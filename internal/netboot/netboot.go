// Package netboot configures the board's network stack through the
// bootloader console and moves images into board RAM over TFTP. Every
// transfer is verified against the size the bootloader reports.
package netboot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/bigbag/boardflash/internal/console"
	"github.com/bigbag/boardflash/internal/run"
)

// Networking modes.
const (
	ModeStatic = "static"
	ModeDHCP   = "dhcp"
)

const (
	DefaultTFTPDir  = "/srv/tftp"
	DefaultTFTPPort = 69

	pingTimeout = 8 * time.Second
	dhcpWindow  = 6 * time.Second
)

var (
	ErrNetwork      = errors.New("netboot: host unreachable")
	ErrTransfer     = errors.New("netboot: transfer failed")
	ErrSizeMismatch = errors.New("netboot: transferred size mismatch")
)

// Console is the slice of the protocol driver the loader needs.
type Console interface {
	Run(cmd string, opts ...console.Option) (string, error)
	Expect(pattern string, timeout time.Duration) (bool, string, error)
	GetVar(name string) (string, error)
	SetVar(name, value string) error
	SaveEnv() error
	Cancel() error
}

// Loader bootstraps the board's network and loads files into RAM.
type Loader struct {
	ctx run.Context
	con Console

	Mode      string
	BoardIP   string
	HostIP    string
	GatewayIP string
	Netmask   string
	TFTPDir   string
	TFTPPort  int
}

// NewLoader creates a TFTP RAM loader on the given console.
func NewLoader(con Console, ctx run.Context) *Loader {
	return &Loader{
		ctx:      ctx,
		con:      con,
		Mode:     ModeDHCP,
		TFTPDir:  DefaultTFTPDir,
		TFTPPort: DefaultTFTPPort,
	}
}

// checkTFTPServer verifies a TFTP daemon is listening on the host
// before any transfer is attempted.
func (l *Loader) checkTFTPServer() error {
	probe := fmt.Sprintf("netstat -an | grep udp | grep -q ':%d '", l.TFTPPort)
	if _, err := l.ctx.RunHost("sh", "-c", probe); err != nil {
		return fmt.Errorf("%w: no TFTP server listening on udp port %d",
			ErrNetwork, l.TFTPPort)
	}
	return nil
}

// hostReachable pings the host through the console.
func (l *Loader) hostReachable() bool {
	_, err := l.con.Run("ping "+l.HostIP,
		console.WithExpect("is alive"), console.WithTimeout(pingTimeout))
	return err == nil
}

// SetupNetwork configures the board's network per the selected mode and
// verifies the host is reachable. All subsequent transfers depend on
// this link, so an unreachable host fails the run immediately.
func (l *Loader) SetupNetwork() error {
	l.ctx.Log.Info("configuring bootloader network")

	if l.Mode == ModeStatic && l.BoardIP == "" {
		return fmt.Errorf("%w: no IP address specified for the board", ErrNetwork)
	}
	if err := l.checkTFTPServer(); err != nil {
		return err
	}

	// Skip reconfiguration when the board already has an address and
	// can reach the host.
	boardIP, _ := l.con.GetVar("ipaddr")
	if boardIP == "" || !l.hostReachable() {
		l.con.Cancel()
		switch l.Mode {
		case ModeStatic:
			if err := l.setupStatic(); err != nil {
				return err
			}
		case ModeDHCP:
			if err := l.setupDHCP(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown network mode %q", ErrNetwork, l.Mode)
		}
	}

	if serverIP, _ := l.con.GetVar("serverip"); serverIP != l.HostIP {
		if err := l.con.SetVar("serverip", l.HostIP); err != nil {
			return err
		}
	}
	if err := l.con.SaveEnv(); err != nil {
		return err
	}

	if !l.ctx.DryRun && !l.hostReachable() {
		return fmt.Errorf("%w: host %s does not answer ping from the board",
			ErrNetwork, l.HostIP)
	}
	return nil
}

func (l *Loader) setupStatic() error {
	if err := l.con.SetVar("ipaddr", l.BoardIP); err != nil {
		return err
	}
	if l.GatewayIP != "" {
		if err := l.con.SetVar("gatewayip", l.GatewayIP); err != nil {
			return err
		}
	}
	if l.Netmask != "" {
		if err := l.con.SetVar("netmask", l.Netmask); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) setupDHCP() error {
	if err := l.con.SetVar("autoload", "no"); err != nil {
		return err
	}
	if err := l.con.SetVar("autostart", "no"); err != nil {
		return err
	}
	if _, err := l.con.Run("dhcp", console.WithoutPromptWait()); err != nil {
		return err
	}
	// The third BOOTP broadcast means dhcp is about to give up.
	failed, line, _ := l.con.Expect("BOOTP broadcast 3", dhcpWindow)
	if failed && !l.ctx.DryRun {
		l.con.Cancel()
		return fmt.Errorf("%w: dhcp got no answer, check the link (last line: %q)",
			ErrNetwork, line)
	}
	return nil
}

// transferTimeout scales with the image size: 15 seconds per MiB.
func transferTimeout(size int64) time.Duration {
	return time.Duration(size/(1<<20)+1) * 15 * time.Second
}

// stage copies the image into the TFTP root so the bootloader can
// fetch it, and returns its basename and size.
func (l *Loader) stage(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	if info.Size() == 0 {
		return "", 0, fmt.Errorf("%w: %s is empty", ErrTransfer, path)
	}
	basename := filepath.Base(path)
	dst := filepath.Join(l.TFTPDir, basename)

	if l.ctx.DryRun {
		l.ctx.Log.Infof("DRYRUN: cp %s %s", path, dst)
		return basename, info.Size(), nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("%w: cannot stage into %s: %v", ErrTransfer, l.TFTPDir, err)
	}
	defer out.Close()

	bar := progressbar.DefaultBytes(info.Size(), "staging "+basename)
	if _, err := io.Copy(io.MultiWriter(out, bar), src); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return basename, info.Size(), nil
}

// LoadToRAM transfers the image to board RAM at the given address and
// verifies the size the bootloader reports. A size mismatch is retried
// once before being surfaced.
func (l *Loader) LoadToRAM(path string, loadAddr uint32) (int64, error) {
	basename, size, err := l.stage(path)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		n, err := l.transferOnce(basename, size, loadAddr)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, ErrSizeMismatch) {
			return 0, err
		}
		l.ctx.Log.Warnf("transfer of %s came back short, retrying", basename)
		lastErr = err
	}
	return 0, lastErr
}

func (l *Loader) transferOnce(basename string, size int64, loadAddr uint32) (int64, error) {
	cmd := fmt.Sprintf("tftp 0x%x %s", loadAddr, basename)
	l.ctx.Log.Debugf("starting TFTP transfer of %s (%d bytes)", basename, size)

	if _, err := l.con.Run(cmd, console.WithTimeout(transferTimeout(size))); err != nil {
		if errors.Is(err, console.ErrTimeout) {
			l.con.Cancel()
			return 0, fmt.Errorf("%w: TFTP fetch of %s from %s:%d timed out",
				ErrTransfer, basename, l.HostIP, l.TFTPPort)
		}
		return 0, err
	}

	if l.ctx.DryRun {
		return size, nil
	}

	reported, err := l.con.GetVar("filesize")
	if err != nil {
		return 0, fmt.Errorf("%w: cannot read back transferred size: %v", ErrTransfer, err)
	}
	got, err := strconv.ParseInt(reported, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: filesize=%q is not hexadecimal", ErrTransfer, reported)
	}
	if got != size {
		return 0, fmt.Errorf("%w: sent %d bytes, board reports %d", ErrSizeMismatch, size, got)
	}
	return got, nil
}
