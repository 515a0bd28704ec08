package main

import "flag"

// Options holds CLI options for the demo.
type Options struct {
	ConfigPath string
	Rounds     int
	Text       string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("simplecomm-demo", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.IntVar(&opts.Rounds, "n", 3, "Echo requests per listener")
	fs.StringVar(&opts.Text, "text", "hello", "Echo request payload")
	_ = fs.Parse(args)
	if opts.Rounds < 1 {
		opts.Rounds = 1
	}
	return opts
}
