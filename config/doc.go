// Package config provides application configuration management.
//
// The config package loads and validates the application's configuration
// from a YAML file and DOCSHIELD_* environment variables. It covers the
// server transport, logging, the isolation backend with its resource limits
// and input ceilings, and conversion concurrency.
//
// Usage:
//
//	cfg, err := config.Load("/etc/docshield/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
