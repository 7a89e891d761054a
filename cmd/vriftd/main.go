// Command vriftd is the per-project Velo Rift daemon entry point: it
// registers (or reopens) the workspace rooted at its working directory
// (or -root), binds the per-project Unix-domain socket, and serves
// requests until SIGINT/SIGTERM. The CLI proper (flag parsing beyond
// what's needed to bring up a daemon, config-file loading, subcommands)
// lives elsewhere; this is the thin bring-up shim the full CLI execs or
// forks into.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/velorift/vrift/internal/daemon"
	"github.com/velorift/vrift/internal/registry"
	"github.com/velorift/vrift/pkg/vlog"
)

var (
	fRoot    = flag.String("root", "", "project root to serve (default: current directory)")
	fVerbose = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Parse()

	if *fVerbose || os.Getenv("VRIFT_DEBUG") != "" {
		vlog.Default.SetLevel(vlog.DEBUG)
	}
	log := vlog.Default.Named("vriftd")

	root := *fRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatal("resolving working directory: %v", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		log.Fatal("resolving absolute path for %s: %v", root, err)
	}

	dirs, err := registry.DefaultDirs()
	if err != nil {
		log.Fatal("resolving per-user directories: %v", err)
	}

	d, err := daemon.New(dirs)
	if err != nil {
		log.Fatal("creating daemon: %v", err)
	}

	ws, err := d.Bootstrap(root)
	if err != nil {
		log.Fatal("bringing up workspace %s: %v", root, err)
	}

	if err := os.MkdirAll(dirs.Sockets, 0700); err != nil {
		log.Fatal("creating sockets directory: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received %v, shutting down", sig)
		if err := d.Shutdown(); err != nil {
			log.Error("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	log.Info("serving workspace %s on %s", ws.Root, ws.SocketPath)
	if err := d.Serve(ws.SocketPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
