// Package discovery watches for topology changes, persists the latest
// known-good payload to a local snapshot file, and notifies a typed
// callback on change (spec.md §4.F "Reconfiguration", §6 "Snapshot
// file"). Grounded on the teacher's config-reload conventions (plain
// struct + yaml.v3) generalized into a pull-based watcher with
// idempotent no-op on an unchanged payload.
package discovery

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/meshcache/agent/config"
)

// Source fetches the current discovery payload for a named service.
// Production sources poll an external registry; tests and the
// snapshot-only fallback use a static or file-backed Source.
type Source interface {
	Fetch(ctx context.Context, service string) ([]byte, error)
}

// Watcher polls a Source on an interval and invokes OnUpdate whenever
// the payload's signature changes, persisting each new payload to its
// snapshot file before notifying (spec.md §6 "Snapshot file": first
// line is an opaque signature, remainder is the verbatim payload).
type Watcher struct {
	Source      Source
	SnapshotDir string
	Log         *zap.Logger
	OnUpdate    func(service string, cfg *config.Discovery)

	signatures map[string]string
}

// NewWatcher creates a Watcher backed by src, persisting snapshots
// under snapshotDir.
func NewWatcher(src Source, snapshotDir string, log *zap.Logger) *Watcher {
	return &Watcher{
		Source:      src,
		SnapshotDir: snapshotDir,
		Log:         log,
		signatures:  make(map[string]string),
	}
}

// Watch polls service every tick until ctx is done, calling OnUpdate on
// every change (never on an unchanged payload: the signature check
// makes this idempotent).
func (w *Watcher) Watch(ctx context.Context, service string, tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	if err := w.poll(ctx, service); err != nil {
		w.Log.Warn("initial discovery fetch failed, falling back to snapshot", zap.String("service", service), zap.Error(err))
		w.loadSnapshot(service)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.poll(ctx, service); err != nil {
				w.Log.Warn("discovery fetch failed", zap.String("service", service), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context, service string) error {
	payload, err := w.Source.Fetch(ctx, service)
	if err != nil {
		return err
	}
	sig := signature(payload)
	if w.signatures[service] == sig {
		return nil // no-op: unchanged since last observed
	}

	cfg, err := config.ParseDiscovery(payload)
	if err != nil {
		return fmt.Errorf("discovery: parse %s: %w", service, err)
	}

	if err := w.writeSnapshot(service, sig, payload); err != nil {
		w.Log.Warn("failed to persist discovery snapshot", zap.String("service", service), zap.Error(err))
	}

	w.signatures[service] = sig
	if w.OnUpdate != nil {
		w.OnUpdate(service, cfg)
	}
	return nil
}

func signature(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func snapshotPath(dir, service string) string {
	name := strings.ReplaceAll(service, "/", "+")
	return filepath.Join(dir, name)
}

func (w *Watcher) writeSnapshot(service, sig string, payload []byte) error {
	if w.SnapshotDir == "" {
		return nil
	}
	if err := os.MkdirAll(w.SnapshotDir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(sig)
	buf.WriteByte('\n')
	buf.Write(payload)
	return os.WriteFile(snapshotPath(w.SnapshotDir, service), buf.Bytes(), 0o644)
}

// loadSnapshot reads the last persisted payload for service, if any,
// and invokes OnUpdate with it. Used when the discovery source is
// unreachable at startup.
func (w *Watcher) loadSnapshot(service string) {
	if w.SnapshotDir == "" {
		return
	}
	data, err := os.ReadFile(snapshotPath(w.SnapshotDir, service))
	if err != nil {
		return
	}
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return
	}
	sig := string(data[:idx])
	payload := data[idx+1:]

	cfg, err := config.ParseDiscovery(payload)
	if err != nil {
		w.Log.Warn("discovery snapshot is corrupt", zap.String("service", service), zap.Error(err))
		return
	}
	w.signatures[service] = sig
	if w.OnUpdate != nil {
		w.OnUpdate(service, cfg)
	}
}

// StaticSource serves a fixed payload per service, for tests and
// single-node deployments with no external registry.
type StaticSource struct {
	Payloads map[string]config.Discovery
}

func (s StaticSource) Fetch(ctx context.Context, service string) ([]byte, error) {
	d, ok := s.Payloads[service]
	if !ok {
		return nil, fmt.Errorf("discovery: no static payload for %q", service)
	}
	return yaml.Marshal(d)
}
