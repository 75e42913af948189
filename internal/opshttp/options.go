package opshttp

import (
	"net/http"

	"github.com/keithlinneman/apiserver/internal/health"
)

type Options struct {
	// Port defaults to DefaultPort.
	Port    int
	Metrics http.Handler
	// EnablePprof mounts net/http/pprof under /debug/pprof/.
	EnablePprof bool

	// Health backs /healthz and /-/healthy, Readiness /readyz and /-/ready.
	// Nil probes always pass.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	OnPanic      func()

	// Go runs the serve loop. A returned error means the listener died.
	// Nil runs it on a plain goroutine and only logs the error.
	Go func(name string, serve func() error)
}
