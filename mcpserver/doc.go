// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// sanitize_document tool. It uses the mark3labs/mcp-go library to handle the
// protocol details. Each call stores the uploaded document in a private
// request directory, runs it through the conversion pipeline and returns the
// sanitized PDF together with the job state and any typed error kind.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, converter)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
