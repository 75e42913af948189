// Package prof runs the continuous profiling agent.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/version"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether the agent is running (start and stop).
	OnActive func(bool)
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// VersionTags returns the build tags attached to every profile.
func VersionTags(vi version.Info) map[string]string {
	tags := map[string]string{"version": vi.Version}
	if vi.Commit != "" && vi.Commit != "none" {
		tags["commit"] = vi.Commit
	}
	return tags
}

func (o Options) config() pyroscope.Config {
	c := pyroscope.Config{
		ApplicationName:   o.AppName,
		ServerAddress:     o.ServerAddress,
		Tags:              o.Tags,
		TenantID:          o.TenantID,
		BasicAuthPassword: o.AuthToken,
		ProfileTypes:      profileTypes,
	}
	if o.AuthToken != "" {
		c.BasicAuthUser = o.TenantID
	}
	return c
}

// Start launches the agent. The returned stop func is never nil and is
// safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}
	active := func(v bool) {
		if opts.OnActive != nil {
			opts.OnActive(v)
		}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		active(false)
		return noop, nil
	}
	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		active(false)
		return noop, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	L = L.With("server_address", opts.ServerAddress, "app_name", opts.AppName)
	profiler, err := pyroscope.Start(opts.config())
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed")
		active(false)
		return noop, xerrors.Wrap(err, "pyroscope start")
	}
	L.Info(ctx, "pyroscope started")
	active(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			active(false)
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}
