// Package main is the entry point for the docshield MCP server.
//
// The docshield server sanitizes untrusted documents by rendering them inside
// a disposable, resource-restricted sandbox (a locked-down container or a
// disposable VM) and rebuilding the result as an image-only PDF. The server
// supports both stdio and HTTP transports.
//
// Flags:
//
//	--config, -c     path to the configuration file
//	--transport, -t  override server.transport (stdio or http)
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
