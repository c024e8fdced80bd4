// Package plugins collects runtime environment details to stamp onto root
// segments, so traces carry where they were produced.
package plugins

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/donetkit/tracekit/trace"
)

const probeTimeout = 2 * time.Second

// HostMetadata describes the machine the process runs on.
type HostMetadata struct {
	Origin   string
	Hostname string
	OS       string
	Platform string
	Arch     string
	PID      int
}

// Probe inspects the local host. It is bounded by its own short timeout on
// top of ctx, so a slow platform probe cannot hold up client construction.
func Probe(ctx context.Context) (*HostMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "plugins: probing host")
	}
	meta := &HostMetadata{
		Origin:   originFor(info),
		Hostname: info.Hostname,
		OS:       info.OS,
		Platform: info.Platform,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
	}
	return meta, nil
}

func originFor(info *host.InfoStat) string {
	if info.VirtualizationSystem == "docker" && info.VirtualizationRole == "guest" {
		return "container"
	}
	return "host"
}

// Option builds a trace client option from the probed metadata, or a no-op
// when probing failed and meta is nil.
func (m *HostMetadata) Option() trace.Option {
	if m == nil {
		return func(*trace.Client) {}
	}
	return trace.WithHostMetadata(m.Origin, map[string]interface{}{
		"hostname": m.Hostname,
		"os":       m.OS,
		"platform": m.Platform,
		"arch":     m.Arch,
		"pid":      m.PID,
	})
}
