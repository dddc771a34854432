package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/daemon"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Account: name}),
	)

	app.Run()
}
