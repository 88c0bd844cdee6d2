package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultServer  = "http://localhost:8090"
	defaultPassEnv = "MARKETCTL_PASSPHRASE"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	if err := cmd(args[1:], stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

var commands map[string]func([]string, io.Writer, io.Writer) error

func init() {
	commands = map[string]func([]string, io.Writer, io.Writer) error{
		"keygen":   runKeygen,
		"address":  runAddress,
		"init":     runInitialize,
		"list":     runList,
		"delist":   runDelist,
		"buy":      runBuy,
		"show":     runShow,
		"quote":    runQuote,
		"account":  runAccount,
		"activity": runActivity,
	}
}

func defaultServerURL() string {
	if env := strings.TrimSpace(os.Getenv("MARKETD_URL")); env != "" {
		return env
	}
	return defaultServer
}

func usage() string {
	return strings.TrimSpace(`Usage: marketctl <command> [flags]

Keys:
  keygen   -keystore <path> [-light-kdf] [-force]
  address  -keystore <path>

Marketplace (signed with -keystore, passphrase from $` + defaultPassEnv + ` or prompt):
  init     -name <name> -fee <amount>
  list     -marketplace <addr> -mint <addr> -collection <addr> -price <amount>
  delist   -marketplace <addr> -mint <addr>
  buy      -marketplace <addr> -mint <addr>

Queries:
  show     -marketplace <name|addr> [-mint <addr>]
  quote    -marketplace <name|addr> -mint <addr>
  account  -address <addr>
  activity -marketplace <name|addr> [-limit n]

Every command accepts -server (default $MARKETD_URL or ` + defaultServer + `).`)
}
