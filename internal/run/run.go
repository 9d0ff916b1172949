// Package run carries the per-invocation execution context: the logger,
// the dry-run flag and the strategy used to execute host commands. It is
// passed explicitly into the console driver and both installers instead
// of living in package-level globals.
package run

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes commands on the host.
type Runner interface {
	// Run executes the command and returns its combined output.
	Run(name string, args ...string) ([]byte, error)
}

// Context is the execution context for one installation run.
type Context struct {
	Log       *logrus.Logger
	DryRun    bool
	AssumeYes bool
	Runner    Runner
}

// New builds a Context with a shell runner. Verbose wins over quiet
// being false; quiet wins over everything.
func New(verbose, quiet, dryRun, assumeYes bool) Context {
	log := logrus.New()
	switch {
	case quiet:
		log.SetLevel(logrus.ErrorLevel)
	case verbose:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	ctx := Context{
		Log:       log,
		DryRun:    dryRun,
		AssumeYes: assumeYes,
	}
	ctx.Runner = &shellRunner{ctx: &ctx}
	return ctx
}

// RunHost executes a host command through the configured runner. In
// dry-run mode the command is logged and reported as successful.
func (c Context) RunHost(name string, args ...string) ([]byte, error) {
	if c.DryRun {
		c.Log.Infof("DRYRUN: %s %s", name, strings.Join(args, " "))
		return nil, nil
	}
	return c.Runner.Run(name, args...)
}

type shellRunner struct {
	ctx *Context
}

func (r *shellRunner) Run(name string, args ...string) ([]byte, error) {
	r.ctx.Log.Debugf("host: %s %s", name, strings.Join(args, " "))
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
