// Package archive persists the set of completed downloads and resolves
// output path collisions against it.
package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cwygoda/snatcher/internal/domain"
)

const (
	recordFile  = "archive.txt" // one completed logical key per line
	sidecarFile = "paths.tsv"   // output path -> owning logical key
)

// Archive is the persistent dedup record plus the collision sidecar.
// Both files are append-only; a crash loses at most the last unflushed
// line. It implements domain.Resolver.
type Archive struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	owners map[string]string // output path -> logical key

	record  *os.File
	sidecar *os.File
}

// Open loads (creating if absent) the archive files under dir.
func Open(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	a := &Archive{
		keys:   make(map[string]struct{}),
		owners: make(map[string]string),
	}

	var err error
	a.record, err = openAppend(filepath.Join(dir, recordFile), func(line string) {
		a.keys[line] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	a.sidecar, err = openAppend(filepath.Join(dir, sidecarFile), func(line string) {
		// Later entries win; torn or malformed lines are skipped.
		if path, key, ok := strings.Cut(line, "\t"); ok {
			a.owners[path] = key
		}
	})
	if err != nil {
		a.record.Close()
		return nil, err
	}
	return a, nil
}

func openAppend(path string, load func(line string)) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			load(line)
		}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Close releases the underlying files.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.record.Close()
	if err2 := a.sidecar.Close(); err == nil {
		err = err2
	}
	return err
}

// Has reports whether the logical key is recorded complete.
func (a *Archive) Has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.keys[key]
	return ok
}

// Record appends the logical key to the completion record. Appends are
// single atomic line writes, serialized across concurrent completions.
func (a *Archive) Record(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.keys[key]; ok {
		return nil
	}
	if _, err := a.record.WriteString(key + "\n"); err != nil {
		return fmt.Errorf("append archive record: %w", err)
	}
	if err := a.record.Sync(); err != nil {
		return fmt.Errorf("sync archive record: %w", err)
	}
	a.keys[key] = struct{}{}
	return nil
}

// Resolve decides the fate of a candidate output path for a job. It is
// serialized so two concurrently resolving jobs never claim the same
// disambiguated name. The chosen path is claimed in the sidecar before
// returning; a job resuming its own partial file proceeds unchanged.
func (a *Archive) Resolve(key, candidate string, force bool) (domain.Resolution, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.keys[key]; done && !force {
		return domain.Resolution{Kind: domain.ResolveSkip}, nil
	}

	final := candidate
	renamed := false
	for n := 1; a.takenLocked(final, key); n++ {
		final = numberedPath(candidate, n)
		renamed = true
	}

	if err := a.claimLocked(final, key); err != nil {
		return domain.Resolution{}, err
	}
	kind := domain.ResolveProceed
	if renamed {
		kind = domain.ResolveRename
	}
	return domain.Resolution{Kind: kind, Path: final}, nil
}

// takenLocked reports whether path belongs to a different logical key,
// either via a sidecar claim or as an unclaimed file already on disk.
func (a *Archive) takenLocked(path, key string) bool {
	if owner, ok := a.owners[path]; ok {
		return owner != key
	}
	_, err := os.Stat(path)
	return err == nil
}

func (a *Archive) claimLocked(path, key string) error {
	if a.owners[path] == key {
		return nil
	}
	if _, err := a.sidecar.WriteString(path + "\t" + key + "\n"); err != nil {
		return fmt.Errorf("append path claim: %w", err)
	}
	a.owners[path] = key
	return nil
}

// numberedPath appends a counter suffix before the extension:
// "a/b.mp4" -> "a/b (1).mp4".
func numberedPath(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(path, ext), n, ext)
}
