// Package progress decodes the line-oriented progress stream a sandbox writes
// to stdout.
//
// Each line is decoded on its own:
//
//	pages 12            total page count
//	page 3              page 3 finished (optionally followed by base64 data)
//	warning <text>      non-fatal message
//	error <text>        terminal failure
//	done                terminal success
//
// Unknown lines are ignored so newer sandboxes can add event kinds. Tracker
// turns the events into a completion fraction for progress displays.
package progress
