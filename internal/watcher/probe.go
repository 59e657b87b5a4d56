package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// probePattern names the throwaway file written by DetectMode. The leading
// dot keeps it out of the hash invalidation path.
const probePattern = ".mediasweep-probe-*.tmp"

var errProbeTimeout = errors.New("no event before timeout")

// DetectMode decides how the uploads directory root should be watched. It
// writes a probe file the way an upload lands (create, then write) and
// returns ModeNotify when fsnotify reports it within timeout. Otherwise it
// returns ModePoll with the reason, which is the usual result on network
// mounts.
func DetectMode(root string, timeout time.Duration) (Mode, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ModePoll, fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck

	if err := w.Add(root); err != nil {
		return ModePoll, fmt.Errorf("watching %s: %w", root, err)
	}

	f, err := os.CreateTemp(root, probePattern)
	if err != nil {
		return ModePoll, fmt.Errorf("writing probe file: %w", err)
	}
	probe := f.Name()
	defer os.Remove(probe) //nolint:errcheck
	_, werr := f.WriteString("probe")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return ModePoll, fmt.Errorf("writing probe file: %w", werr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return ModePoll, errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) == filepath.Base(probe) && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				return ModeNotify, nil
			}
		case err := <-w.Errors:
			return ModePoll, err
		case <-timer.C:
			return ModePoll, errProbeTimeout
		}
	}
}
