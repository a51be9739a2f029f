// Package ctlplane owns the live filter engine and every change made to it.
//
// # Overview
//
// A [Controller] wraps a [filter.Engine] and, optionally, a rule store. Every
// mutation goes through the controller so that it is:
//   - Audited through the structured logger
//   - Persisted to SQLite with the resulting table
//
// Classification goes straight to the engine; the controller only adds frame
// and datagram decoding in front of it.
//
// # Startup
//
// [Controller.Bootstrap] rebuilds the engine. Scopes found in the store are
// restored with their handles and insertion order; scopes only present in
// the configuration are committed from it.
//
//	engine := filter.New(opts)
//	ctl := ctlplane.New(engine, db, logger)
//	if err := ctl.Bootstrap(cfg); err != nil { ... }
package ctlplane
