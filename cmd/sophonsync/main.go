package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mycoool/sophonsync/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `sophonsync keeps a game installation in sync with the content CDN.

Usage:
  sophonsync <command> [flags] [argument]

Commands:
  download [manifest]   fetch a manifest and sync (full) or stage patch blobs (diff)
  hdiff [archive]       apply an hdiff package (hdiffmap.json or hdifffiles.txt)
  ldiff [archive]       apply a staged diff manifest and its patch blobs
  verify                check files against pkg_version
  cleanup               delete files the installation no longer needs
  diff <old> <new> <out>  create a binary patch with hdiffz
  version               print the version

Run "sophonsync <command> -h" for flags.
`

func main() {
	log.SetFlags(log.LstdFlags)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	case "version", "-version", "--version":
		fmt.Println(version)
		return
	}
	if _, ok := commands[cmd]; !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg, err := config.Load(fs, args)
	if err != nil {
		log.Printf("sophonsync: %v", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cmd, cfg, fs.Args()); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			log.Printf("sophonsync: %v", err)
			os.Exit(2)
		}
		log.Printf("sophonsync: %s failed: %v", cmd, err)
		os.Exit(1)
	}
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }
