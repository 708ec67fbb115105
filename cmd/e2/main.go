// e2 is the build driver: it loads the project, selects results, sorts
// them topologically and runs the build pipeline per result.
//
// Usage:
//
//	e2 [--tag|--branch|--working-copy|--release] [flags] [results...]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	e2 "github.com/emlix/e2factory"
	"github.com/emlix/e2factory/build"
)

type buildFlags struct {
	all        bool
	tag        bool
	branch     bool
	wc         bool
	release    bool
	wcMode     []string
	branchMode []string

	forceRebuild bool
	playground   bool
	keep         bool
	buildidOnly  bool
	check        bool
	checkRemote  bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var f buildFlags
	flag.BoolVar(&f.all, "all", false, "select all results")
	flag.BoolVar(&f.tag, "tag", false, "build in tag mode (default)")
	flag.BoolVar(&f.branch, "branch", false, "build in branch mode")
	flag.BoolVar(&f.wc, "working-copy", false, "build from the working copies")
	flag.BoolVar(&f.release, "release", false, "build and deploy a release")
	flag.StringSliceVar(&f.wcMode, "wc-mode", nil, "apply working-copy mode to the named result only")
	flag.StringSliceVar(&f.branchMode, "branch-mode", nil, "apply branch mode to the named result only")
	flag.BoolVar(&f.forceRebuild, "force-rebuild", false, "rebuild selected results even on cache hits")
	flag.BoolVar(&f.playground, "playground", false, "set up the sandbox and keep it for interactive entry")
	flag.BoolVar(&f.keep, "keep", false, "keep the chroot after building")
	flag.BoolVar(&f.buildidOnly, "buildid", false, "print the build ids of the selected results and exit")
	flag.BoolVar(&f.check, "check", false, "run expensive consistency checks")
	flag.BoolVar(&f.checkRemote, "check-remote", false, "verify checksums against the remote servers")
	flag.Parse()
	args := flag.Args()

	mode, err := selectMode(&f, args)
	if err != nil {
		printError(err)
		return 1
	}
	if f.release {
		f.check = true
		f.checkRemote = true
	}

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)
	log.SetOutput(os.Stderr)

	ctx := context.Background()
	ws, err := e2.LoadWorkspace(ctx, ".", e2.LoadOptions{
		CheckRemote:      f.checkRemote,
		DisableHashCache: f.release,
		Log:              log,
	})
	if err != nil {
		printError(err)
		return 1
	}
	defer func() {
		if err := ws.Cache.Close(); err != nil {
			log.Warnf("saving hashcache: %v", err)
		}
	}()
	setupDebugLog(ws, log)

	selected, err := selectResults(ws, &f, args)
	if err != nil {
		printError(err)
		return 1
	}
	if err := assignModes(ws, mode, &f); err != nil {
		printError(err)
		return 1
	}
	order, err := ws.DependencyOrder(selected)
	if err != nil {
		printError(err)
		return 1
	}
	if f.check {
		if err := checkWorkingCopies(ctx, ws); err != nil {
			printError(err)
			return 1
		}
	}

	if f.buildidOnly {
		// remote checks run as part of the id computation when
		// --check-remote is active
		for _, name := range order {
			bid, err := ws.BuildID(ctx, name)
			if err != nil {
				printError(err)
				return 1
			}
			fmt.Printf("%s %s\n", name, bid)
		}
		return 0
	}

	var shutdown atomic.Bool
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		log.Warnf("received %v, shutting down after the current step", s)
		shutdown.Store(true)
	}()

	selectedSet := map[string]bool{}
	for _, name := range selected {
		selectedSet[name] = true
	}
	pipe := build.New(ws, build.NewHelper())
	pipe.Shutdown = shutdown.Load
	err = pipe.BuildAll(ctx, order, func(name string) build.Options {
		return build.Options{
			ForceRebuild: f.forceRebuild && selectedSet[name],
			KeepChroot:   f.keep,
			Playground:   f.playground && selectedSet[name],
		}
	})
	if err != nil {
		printError(err)
		return 1
	}
	color.Green("build complete")
	return 0
}

// selectMode enforces the mutual exclusions of the mode flags and the
// playground/release restrictions.
func selectMode(f *buildFlags, args []string) (*e2.BuildMode, error) {
	n := 0
	name := "tag"
	for _, m := range []struct {
		set  bool
		name string
	}{{f.tag, "tag"}, {f.branch, "branch"}, {f.wc, "working-copy"}, {f.release, "release"}} {
		if m.set {
			n++
			name = m.name
		}
	}
	if n > 1 {
		return nil, e2.Errorf(e2.KindConfig,
			"--tag, --branch, --working-copy and --release are mutually exclusive")
	}
	if f.release && (f.playground || f.all) {
		return nil, e2.Errorf(e2.KindConfig, "--release excludes --playground and --all")
	}
	if f.playground && len(args) != 1 {
		return nil, e2.Errorf(e2.KindConfig, "--playground requires exactly one result")
	}
	return e2.ModeByName(name)
}

func selectResults(ws *e2.Workspace, f *buildFlags, args []string) ([]string, error) {
	if f.all {
		return ws.Results.Names(), nil
	}
	if len(args) > 0 {
		for _, name := range args {
			if _, err := ws.Results.Get(name); err != nil {
				return nil, e2.WithKind(e2.KindConfig, err)
			}
		}
		return args, nil
	}
	if len(ws.Project.DefaultResults) == 0 {
		return nil, e2.Errorf(e2.KindConfig, "no results given and no default_results configured")
	}
	return ws.Project.DefaultResults, nil
}

// assignModes gives every result the global mode, then applies the
// per-result overrides.
func assignModes(ws *e2.Workspace, mode *e2.BuildMode, f *buildFlags) error {
	for _, name := range ws.Results.Names() {
		r, _ := ws.Results.Get(name)
		r.Mode = mode
	}
	for _, name := range f.wcMode {
		r, err := ws.Results.Get(name)
		if err != nil {
			return e2.Wrapf(e2.KindConfig, err, "--wc-mode")
		}
		r.Mode = e2.ModeWorkingCopy()
	}
	for _, name := range f.branchMode {
		r, err := ws.Results.Get(name)
		if err != nil {
			return e2.Wrapf(e2.KindConfig, err, "--branch-mode")
		}
		r.Mode = e2.ModeBranch()
	}
	return nil
}

// checkWorkingCopies verifies every source that has a working copy on
// disk against its configuration.
func checkWorkingCopies(ctx context.Context, ws *e2.Workspace) error {
	for _, name := range ws.Sources.Names() {
		src, _ := ws.Sources.Get(name)
		if !src.WorkingCopyAvailable(ws) {
			continue
		}
		if err := src.CheckWorkingCopy(ctx, ws); err != nil {
			return err
		}
	}
	return nil
}

// setupDebugLog routes the debug log into log/debug.log while keeping
// warnings and progress on the console.
func setupDebugLog(ws *e2.Workspace, log *logrus.Logger) {
	path := ws.Path(e2.LogDir, "debug.log")
	if err := os.MkdirAll(ws.Path(e2.LogDir), 0o755); err != nil {
		log.Warnf("cannot create log directory: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warnf("cannot open %s: %v", path, err)
		return
	}
	log.SetOutput(io.MultiWriter(f, &consoleWriter{}))
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// consoleWriter echoes log lines to stderr. The full record always lands
// in the debug log; the console shows everything except debug chatter.
type consoleWriter struct{}

func (w *consoleWriter) Write(p []byte) (int, error) {
	if !isDebugLine(p) {
		os.Stderr.Write(p)
	}
	return len(p), nil
}

func isDebugLine(p []byte) bool {
	s := string(p)
	return strings.Contains(s, "level=debug") || strings.Contains(s, "DEBU[")
}

func printError(err error) {
	stack := e2.MessageStack(err)
	if len(stack) == 0 {
		return
	}
	red := color.New(color.FgRed)
	red.Fprintf(os.Stderr, "e2: %s: %s\n", e2.KindOf(err), stack[0])
	for _, msg := range stack[1:] {
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
	}
}
