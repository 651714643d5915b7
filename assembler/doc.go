// Package assembler reassembles sandbox page rasters into a PDF.
//
// Validate checks that the artifacts cover every page 1..N exactly once.
// Assemble then decodes each raster in ascending page order and writes one
// full-page image per page. The document is written to a temporary file next
// to the destination and renamed into place only when it is complete, so a
// failed assembly never leaves a partial document behind.
//
// Usage:
//
//	asm := assembler.New(logger, 150)
//	if err := asm.Assemble(ctx, result.Artifacts, result.TotalPages, "/tmp/safe.pdf"); err != nil {
//	    return err
//	}
package assembler
