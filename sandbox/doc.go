// Package sandbox runs untrusted document conversion in isolated backends.
//
// A Provider drives one isolation backend: a local container runtime
// (podman, falling back to docker) or a disposable VM. Each provider can probe
// its tooling, install the sandbox image, and convert a document into page
// rasters. Conversion spawns exactly one external process with no network,
// a read-only input mount, a writable per-job output directory, an
// unprivileged user and explicit memory and CPU limits.
//
// Failures are reported as *Error values carrying an ErrorKind and captured
// tool output. External commands are only run through a CommandRunner so
// tests can substitute a fake.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	if err := provider.IsAvailable(ctx); err != nil {
//	    return err
//	}
//	if err := provider.Install(ctx); err != nil {
//	    return err
//	}
//	result, err := provider.Convert(ctx, &sandbox.ConvertRequest{
//	    JobID:     id,
//	    InputPath: "/tmp/untrusted.pdf",
//	    OutputDir: outDir,
//	    Timeout:   time.Minute,
//	})
package sandbox
