// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap logger from the logging
// configuration. Conversion code attaches per-job fields with ForJob so
// every line of a job can be correlated.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	jobLog := logger.ForJob(log, job.ID, "container")
//	jobLog.Info("conversion started")
package logger
