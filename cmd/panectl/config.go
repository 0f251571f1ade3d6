package main

import (
	"fmt"
	"os"

	"github.com/danmuck/panesync/internal/config"
	"github.com/spf13/pflag"
)

var defaultConfigPaths = map[string]string{
	"owner":  "owner.toml",
	"window": "window.toml",
	"state":  "state.jsonc",
}

func runConfig(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: config needs init or validate", errUsage)
	}
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	kind := flags.String("kind", "owner", "config kind: owner|window|state")
	output := flags.String("output", "", "output path for the template")
	input := flags.String("input", "", "config path to validate")
	force := flags.Bool("force", false, "overwrite an existing file")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	def, ok := defaultConfigPaths[*kind]
	if !ok {
		return fmt.Errorf("unknown config kind: %s", *kind)
	}

	switch args[0] {
	case "init":
		target := *output
		if target == "" {
			target = def
		}
		if err := config.WriteTemplate(target, *kind, *force); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s config template to %s\n", *kind, target)
		return nil
	case "validate":
		path := *input
		if path == "" {
			path = def
		}
		var err error
		switch *kind {
		case "owner":
			_, err = config.LoadOwner(path)
		case "window":
			_, err = config.LoadWindow(path)
		case "state":
			_, err = config.LoadInitialState(path)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "validated %s config at %s\n", *kind, path)
		return nil
	default:
		return fmt.Errorf("%w: unknown config command %q", errUsage, args[0])
	}
}
