// Command pacsnode is the server entry point (spec.md §1's CLI surface).
// Flag parsing follows the teacher's own convention in ais/daemon.go: a
// package-level cliFlags struct registered against the standard library's
// flag package in init(), not a third-party CLI framework - the teacher
// never reaches for one, so neither does this.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pacsd/pacsd/cmn"
	"github.com/pacsd/pacsd/core"
	"github.com/pacsd/pacsd/httpapi"
	"github.com/pacsd/pacsd/logging"
)

const version = "1.0.0"

type cliFlags struct {
	help    bool
	showVer bool
	errors  bool
	verbose bool
	trace   bool
	logDir  string
	config  string
	upgrade bool
}

var cli cliFlags

func init() {
	flag.BoolVar(&cli.help, "help", false, "show usage and exit")
	flag.BoolVar(&cli.showVer, "version", false, "print version and exit")
	flag.BoolVar(&cli.errors, "errors", false, "log errors only")
	flag.BoolVar(&cli.verbose, "verbose", false, "verbose logging")
	flag.BoolVar(&cli.trace, "trace", false, "trace-level logging")
	flag.StringVar(&cli.logDir, "logdir", "", "directory for log files (default: stderr only)")
	flag.StringVar(&cli.config, "config", "", "write a sample configuration file to this path and exit")
	flag.BoolVar(&cli.upgrade, "upgrade", false, "allow an out-of-date index database to be upgraded in place")
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: pacsnode [flags] [CONFIGURATION]")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if cli.help {
		usage()
		os.Exit(0)
	}
	if cli.showVer {
		fmt.Println("pacsnode", version)
		os.Exit(0)
	}

	if cli.config != "" {
		if err := cmn.WriteSample(cli.config); err != nil {
			fmt.Fprintln(os.Stderr, "failed to write sample configuration:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	var configDir string
	if flag.NArg() > 0 {
		configDir = flag.Arg(0)
	}
	if configDir == "" {
		usage()
		os.Exit(1)
	}

	level := logging.LevelDefault
	switch {
	case cli.trace:
		level = logging.LevelTrace
	case cli.verbose:
		level = logging.LevelVerbose
	case cli.errors:
		level = logging.LevelErrors
	}
	if err := logging.Init(level, cli.logDir); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}
	defer logging.Flush()

	srv, err := core.NewServer(configDir, cli.upgrade)
	if err != nil {
		logging.Errorf("failed to start: %v", err)
		os.Exit(1)
	}

	router := httpapi.NewRouter(srv)
	httpSrv := httpapi.NewServer(srv.Current().Config, router)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			logging.Errorf("HTTP server stopped: %v", err)
		}
	}()
	logging.Infof("pacsnode %s listening on :%d", version, srv.Current().Config.HTTPPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			logging.Infof("SIGHUP received, reloading configuration")
			if err := srv.Reset(); err != nil {
				logging.Errorf("reload failed: %v", err)
			}
			continue
		}
		break
	}

	logging.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpapi.ShutdownGrace)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	srv.Shutdown()
}
