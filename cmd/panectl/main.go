package main

import (
	"errors"
	"fmt"
	"os"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "panectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "call":
		return runCall(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "resources":
		return runResources(args[1:])
	case "config":
		return runConfig(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `panectl talks to a running panectl-owner through its external API.

Usage:
  panectl call [flags] <resource> <method> [json-arg...]
  panectl watch [flags] <resource> <method> [json-arg...]
  panectl resources [flags] [resource]
  panectl config init --kind owner|window|state [--output path] [--force]
  panectl config validate --kind owner|window|state --input path

Arguments that are not valid JSON are sent as strings.

Examples:
  panectl call ScenesService getScenes
  panectl call 'Scene["scene-default"]' addItem Camera
  panectl watch MutationsService mutationCommitted
`)
}
