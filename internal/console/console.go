// Package console drives a bootloader's interactive serial console and
// turns it into a reliable command/response channel. A command line is
// written, the echoed command and the prompt delimit the captured
// payload, and per-command timeouts with bounded resynchronizing
// retries paper over the unreliable line-buffered link.
package console

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bigbag/boardflash/internal/board"
	"github.com/bigbag/boardflash/internal/run"
)

const (
	// CtrlC cancels the command currently executing in the bootloader.
	CtrlC = "\x03"

	// DefaultTimeout bounds the wait for a command's echo or prompt.
	DefaultTimeout = 5 * time.Second

	syncTimeout   = 1 * time.Second
	promptSettle  = 500 * time.Millisecond
	maxAttempts   = 3
	readChunkSize = 256
)

var (
	ErrConnection  = errors.New("console: connection failed")
	ErrTimeout     = errors.New("console: timeout")
	ErrDevice      = errors.New("console: device error")
	ErrVarNotFound = errors.New("console: variable not found")
	ErrNotSynced   = errors.New("console: not synchronized")
	ErrBusy        = errors.New("console: command already in flight")
)

// DeviceError reports an operational error banner found in a command's
// output. It is never retried.
type DeviceError struct {
	Cmd    string
	Output string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("console: device error running %q: %s", e.Cmd, strings.TrimSpace(e.Output))
}

func (e *DeviceError) Unwrap() error { return ErrDevice }

// Banners the bootloader prints when a command fails operationally.
var errorBanners = []string{
	"Unknown command",
	"Error: ",
	"ERROR:",
	"Usage:",
	"Attempt to write to protected",
	"failed",
}

// Transport is the byte-level link to the console. Read should block
// for a short interval and return (0, nil) when no data arrived, which
// is how serial ports with a read timeout behave.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
}

// Console is a session on the bootloader's console. It owns the
// transport for its lifetime and serializes commands strictly: one
// command in flight, back to idle before the next one.
type Console struct {
	t       Transport
	profile board.Profile
	ctx     run.Context

	prompt    string
	synced    bool
	executing bool
	buf       []byte
}

// New creates a console session on the given transport. Call Sync
// before issuing commands.
func New(t Transport, profile board.Profile, ctx run.Context) *Console {
	return &Console{t: t, profile: profile, ctx: ctx}
}

// Prompt returns the prompt identified during Sync.
func (c *Console) Prompt() string {
	return c.prompt
}

// Sync performs the echo handshake with the bootloader and identifies
// its prompt. The console is unusable until Sync succeeds.
func (c *Console) Sync() error {
	c.ctx.Log.Debug("synchronizing with the bootloader")

	if c.ctx.DryRun {
		c.prompt = c.profile.Prompt
		c.synced = true
		return nil
	}

	c.t.Flush()
	c.buf = nil

	if err := c.writeLine("echo sync"); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	// The echoed command line arrives first, then the echo output.
	if found, _, _ := c.expect("echo sync", time.Now().Add(syncTimeout)); !found {
		return fmt.Errorf("%w: no echo from the bootloader, check that the "+
			"console is free and the board is at its prompt", ErrConnection)
	}
	if found, _, _ := c.expect("sync", time.Now().Add(syncTimeout)); !found {
		return fmt.Errorf("%w: bootloader did not run the echo command", ErrConnection)
	}

	prompt, err := c.identifyPrompt()
	if err != nil {
		return err
	}
	c.prompt = prompt
	c.synced = true
	c.ctx.Log.Debugf("bootloader prompt: %q", c.prompt)
	return nil
}

// identifyPrompt reads the line the bootloader prints after the echo
// output; whatever sits there once the link goes quiet is the prompt.
func (c *Console) identifyPrompt() (string, error) {
	deadline := time.Now().Add(promptSettle)
	for time.Now().Before(deadline) {
		c.readMore()
	}
	tail := strings.TrimSpace(lastLine(string(c.buf)))
	c.buf = nil
	if tail == "" {
		return "", fmt.Errorf("%w: could not identify the bootloader prompt", ErrConnection)
	}
	return tail, nil
}

// Option adjusts how a single command is executed.
type Option func(*runOpts)

type runOpts struct {
	timeout      time.Duration
	expect       string
	noPromptWait bool
	noEchoWait   bool
	rawOutput    bool
}

// WithTimeout overrides the prompt/expect wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *runOpts) { o.timeout = d }
}

// WithExpect completes the command when the pattern appears in the
// output instead of waiting for the prompt. The matched line becomes
// the payload. Used for commands whose completion is signaled by
// content, like a ping reply.
func WithExpect(pattern string) Option {
	return func(o *runOpts) { o.expect = pattern }
}

// WithoutPromptWait fires the command without waiting for the prompt
// to return, e.g. reset or a command that hands control to new code.
func WithoutPromptWait() Option {
	return func(o *runOpts) { o.noPromptWait = true }
}

// WithoutEchoWait skips waiting for the command echo. Used for control
// characters which the bootloader does not echo back.
func WithoutEchoWait() Option {
	return func(o *runOpts) { o.noEchoWait = true }
}

// withRawOutput disables error-banner classification of the payload.
func withRawOutput() Option {
	return func(o *runOpts) { o.rawOutput = true }
}

// Run executes one command and returns the output captured between the
// echoed command and the prompt. Timeouts are retried with the device
// resynchronized in between; error banners in the output are surfaced
// as a DeviceError and never retried.
func (c *Console) Run(cmd string, opts ...Option) (string, error) {
	o := runOpts{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	c.ctx.Log.Infof("uboot <= %q", printable(cmd))

	if c.ctx.DryRun {
		return "", nil
	}
	if !c.synced {
		return "", ErrNotSynced
	}
	if c.executing {
		return "", ErrBusy
	}
	c.executing = true
	defer func() { c.executing = false }()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.ctx.Log.Debugf("retrying %q (attempt %d)", cmd, attempt+1)
			c.resync()
		}

		out, err := c.runOnce(cmd, o)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Console) runOnce(cmd string, o runOpts) (string, error) {
	if err := c.writeLine(cmd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	deadline := time.Now().Add(o.timeout)

	if !o.noEchoWait {
		echoPattern := strings.TrimSpace(cmd)
		if found, _, _ := c.expect(echoPattern, deadline); !found {
			return "", fmt.Errorf("%w: bootloader did not echo %q, maybe it froze",
				ErrTimeout, cmd)
		}
	}

	var payload string
	switch {
	case o.expect != "":
		found, line, _ := c.expect(o.expect, deadline)
		if !found {
			return "", fmt.Errorf("%w: %q did not produce %q within %v",
				ErrTimeout, cmd, o.expect, o.timeout)
		}
		payload = line
	case o.noPromptWait:
		return "", nil
	default:
		found, _, captured := c.expect(c.prompt, deadline)
		if !found {
			return "", fmt.Errorf("%w: prompt did not return after %q within %v",
				ErrTimeout, cmd, o.timeout)
		}
		payload = captured
		if i := strings.LastIndex(captured, c.prompt); i >= 0 {
			payload = captured[:i]
		}
	}

	payload = strings.TrimSpace(payload)
	if !o.rawOutput {
		if banner := findBanner(payload); banner != "" {
			return "", &DeviceError{Cmd: cmd, Output: payload}
		}
	}
	return payload, nil
}

// resync flushes stale input and cancels whatever the bootloader may
// still be executing so the next attempt starts from the prompt.
func (c *Console) resync() {
	c.Cancel()
	time.Sleep(100 * time.Millisecond)
	c.t.Flush()
	c.buf = nil
}

// Cancel sends Ctrl-C to abort the command currently executing.
func (c *Console) Cancel() error {
	c.ctx.Log.Infof("uboot <= %q", "<ctrl-c>")
	if c.ctx.DryRun {
		return nil
	}
	_, err := c.t.Write([]byte(CtrlC + "\n"))
	return err
}

// Expect waits until the pattern appears in the console output. It
// returns the line the pattern was found in.
func (c *Console) Expect(pattern string, timeout time.Duration) (bool, string, error) {
	if c.ctx.DryRun {
		return true, "", nil
	}
	found, line, _ := c.expect(pattern, time.Now().Add(timeout))
	return found, line, nil
}

// GetVar reads a bootloader environment variable.
func (c *Console) GetVar(name string) (string, error) {
	out, err := c.Run("printenv "+name, withRawOutput())
	if err != nil {
		return "", err
	}
	if c.ctx.DryRun {
		return "", nil
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(line, name+"="); ok {
			return strings.TrimSpace(value), nil
		}
	}
	if strings.Contains(out, "not defined") {
		return "", fmt.Errorf("%w: %s", ErrVarNotFound, name)
	}
	return "", fmt.Errorf("%w: no %s= line in %q", ErrVarNotFound, name, out)
}

// SetVar writes a bootloader environment variable. The value is quoted
// when it contains spaces or command separators.
func (c *Console) SetVar(name, value string) error {
	var cmd string
	if strings.ContainsAny(value, " ;") {
		cmd = fmt.Sprintf("setenv %s '%s'", name, value)
	} else {
		cmd = fmt.Sprintf("setenv %s %s", name, value)
	}
	_, err := c.Run(cmd)
	return err
}

// SaveEnv persists the environment to non-volatile storage.
func (c *Console) SaveEnv() error {
	_, err := c.Run("saveenv", WithTimeout(10*time.Second))
	return err
}

func (c *Console) writeLine(cmd string) error {
	_, err := c.t.Write([]byte(cmd + "\n"))
	return err
}

// expect consumes console output until pattern appears or the deadline
// passes. It returns the line (or buffer tail) containing the pattern
// and everything consumed before it.
func (c *Console) expect(pattern string, deadline time.Time) (found bool, line string, captured string) {
	var consumed strings.Builder
	for {
		// Scan complete lines first.
		for {
			idx := strings.IndexByte(string(c.buf), '\n')
			if idx < 0 {
				break
			}
			l := string(c.buf[:idx])
			c.buf = c.buf[idx+1:]
			consumed.WriteString(l + "\n")
			if strings.Contains(l, pattern) {
				return true, strings.Trim(l, " \r\n"), consumed.String()
			}
		}
		// The prompt arrives without a newline: check the tail too.
		if tail := string(c.buf); strings.Contains(tail, pattern) {
			c.buf = nil
			consumed.WriteString(tail)
			return true, strings.Trim(tail, " \r\n"), consumed.String()
		}
		if !time.Now().Before(deadline) {
			return false, strings.Trim(string(c.buf), " \r\n"), consumed.String()
		}
		c.readMore()
	}
}

// readMore performs one short read from the transport.
func (c *Console) readMore() {
	chunk := make([]byte, readChunkSize)
	n, err := c.t.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
		return
	}
	if err != nil || n == 0 {
		// Nothing buffered; give the link a moment.
		time.Sleep(10 * time.Millisecond)
	}
}

func findBanner(payload string) string {
	for _, banner := range errorBanners {
		if strings.Contains(payload, banner) {
			return banner
		}
	}
	return ""
}

var ctrlRe = regexp.MustCompile(`[\x00-\x1f]`)

func printable(cmd string) string {
	return ctrlRe.ReplaceAllString(cmd, "?")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n "), "\n")
	return lines[len(lines)-1]
}
