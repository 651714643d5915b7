// Package conversion drives documents through the sandbox pipeline.
//
// A Job moves through a validated state machine:
//
//	created -> checking_availability -> [installing_image] -> spawning
//	        -> streaming_progress -> assembling -> completed | failed
//
// A Session runs one job: it rejects oversized inputs before anything is
// spawned, checks the backend, installs the image when it is missing, hands
// the document to the provider and assembles the returned pages. Every
// failure ends in a typed Result rather than an error return.
//
// A Converter runs many sessions against one provider with bounded
// concurrency and lets callers cancel jobs by ID.
//
// Usage:
//
//	conv := conversion.NewConverter(logger, cfg, provider)
//	job := conversion.NewJob("/tmp/untrusted.docx", "/tmp/safe.pdf", 0)
//	res := conv.Convert(ctx, job, nil)
//	if !res.Succeeded() {
//	    log.Printf("%s: %v", res.Kind, res.Err)
//	}
package conversion
