// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the trip planning server"`
	Trips   TripsCmd   `cmd:"" help:"Inspect trips in the store"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd runs the HTTP/WebSocket server.
type ServeCmd struct {
	Config string `short:"c" help:"Config file path (default: ./tripsync.toml if present)"`
	Listen string `short:"l" help:"Listen address (overrides config)"`
	Watch  bool   `help:"Reload config on change"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
