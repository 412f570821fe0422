// Command popd runs a participation-chain full node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/microguy/proof-of-participation/config"
	"github.com/microguy/proof-of-participation/internal/node"
)

// Exit codes.
const (
	exitOK   = 0
	exitInit = 1
	exitLock = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "popd:", err)
		return exitInit
	}

	// The seed passphrase never appears on the command line; prompt when
	// producing interactively.
	var passphrase string
	if cfg.Produce.Enabled && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Producer seed passphrase (empty for none): ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "popd: read passphrase:", err)
			return exitInit
		}
		passphrase = string(line)
	}

	n, err := node.New(cfg, passphrase)
	if err != nil {
		fmt.Fprintln(os.Stderr, "popd:", err)
		if errors.Is(err, node.ErrLocked) {
			return exitLock
		}
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "popd:", err)
		n.Stop()
		return exitInit
	}

	<-ctx.Done()
	n.Stop()
	return exitOK
}
