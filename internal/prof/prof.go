// Package prof runs the pyroscope continuous profiler.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/log"
	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/xerrors"
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

func (o Options) config() (pyroscope.Config, error) {
	if o.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope server address is empty")
	}
	if o.AppName == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope app name is empty")
	}
	cfg := pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    profileTypes,
	}
	if o.AuthToken != "" {
		cfg.HTTPHeaders = map[string]string{"Authorization": "Bearer " + o.AuthToken}
	}
	return cfg, nil
}

// Start begins profiling and returns an idempotent stop. A disabled profiler
// returns a no-op stop and no error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	cfg, err := opts.config()
	if err != nil {
		return func() {}, err
	}
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "start pyroscope for %s", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
		})
	}, nil
}
