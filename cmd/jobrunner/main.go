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
)

const Version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("jobrunner version %s\n", Version)
		return
	}

	// The child entry point handles its own signals and exit codes.
	if os.Args[1] == "run" {
		os.Exit(runJob(os.Args[2:]))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(ctx, args, os.Stdout)
	case "run-pending":
		err = runPending(ctx, args, os.Stdout)
	case "worker":
		err = runWorker(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "status":
		err = runStatus(ctx, args, os.Stdout)
	case "cancel":
		err = runCancel(ctx, args, os.Stdout)
	case "retry":
		err = runRetry(ctx, args, os.Stdout)
	case "list":
		err = runList(ctx, args, os.Stdout)
	case "migrate":
		err = runMigrate(ctx, args, os.Stdout)
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Println("usage: jobrunner <create|run|run-pending|worker|serve|status|cancel|retry|list|migrate|version> [args]")
}
