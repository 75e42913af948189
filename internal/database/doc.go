// Package database owns the process-wide MongoDB connection: building the
// connection string from a template, connecting once at startup, pinging for
// readiness and disconnecting on shutdown.
package database
