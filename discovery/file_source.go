package discovery

import (
	"context"
	"os"
	"path/filepath"
)

// FileSource reads a service's discovery payload from
// <Dir>/<service>.yaml. It stands in for the external discovery
// registry client spec.md §1 excludes from scope: single-node and
// test deployments point a Watcher at a directory of hand- or
// config-management-written YAML fragments instead of a live registry.
type FileSource struct {
	Dir string
}

func (s FileSource) Fetch(ctx context.Context, service string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir, service+".yaml"))
}
