package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
	ConfigPath string
	Listen     string
	Transport  string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("simbus-server", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Listen, "listen", "", "Listen address (overrides config)")
	fs.StringVar(&opts.Transport, "transport", "", "Transport kind: tcp|quic (overrides config)")
	_ = fs.Parse(args)
	return opts
}
