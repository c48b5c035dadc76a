package preprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/store"
)

const snapshotFile = "snapshot.json"

// Snapshot is the committed state of a database: every stored checksum
// and the full tag mapping. A snapshot saved after a clean pipeline run
// is the baseline that later drift checks compare against.
type Snapshot struct {
	Objects []digest.Digest          `json:"objects"`
	Tags    map[string]digest.Digest `json:"tags"`
}

// Capture records the current state of the database namespaces.
func Capture(s *store.Store, tags *store.Tags) (*Snapshot, error) {
	objects, err := s.List()
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []digest.Digest{}
	}
	tagMap, err := tags.Map()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Objects: objects, Tags: tagMap}, nil
}

// Save writes the snapshot into the database root, replacing any
// previous one atomically.
func (s *Snapshot) Save(root string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(filepath.Join(root, snapshotFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Load reads the committed snapshot from the database root.
func Load(root string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(root, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound(fmt.Errorf("no committed snapshot in %s", root))
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Objects == nil {
		snap.Objects = []digest.Digest{}
	}
	if snap.Tags == nil {
		snap.Tags = map[string]digest.Digest{}
	}
	return &snap, nil
}

// Drift is the difference between a committed snapshot and the present
// database state. It is reporting output only; nothing persists it.
type Drift struct {
	AddedTags   []string
	RemovedTags []string
	ChangedTags []string

	AddedObjects   []digest.Digest
	RemovedObjects []digest.Digest
}

// Empty reports whether the two states were identical.
func (d *Drift) Empty() bool {
	return len(d.AddedTags) == 0 && len(d.RemovedTags) == 0 && len(d.ChangedTags) == 0 &&
		len(d.AddedObjects) == 0 && len(d.RemovedObjects) == 0
}

// Diff compares the committed snapshot against the current one. Results
// are sorted so that reports are stable.
func Diff(committed, current *Snapshot) *Drift {
	d := &Drift{}
	for tag, dgst := range current.Tags {
		old, ok := committed.Tags[tag]
		switch {
		case !ok:
			d.AddedTags = append(d.AddedTags, tag)
		case old != dgst:
			d.ChangedTags = append(d.ChangedTags, tag)
		}
	}
	for tag := range committed.Tags {
		if _, ok := current.Tags[tag]; !ok {
			d.RemovedTags = append(d.RemovedTags, tag)
		}
	}
	sort.Strings(d.AddedTags)
	sort.Strings(d.RemovedTags)
	sort.Strings(d.ChangedTags)

	have := make(map[digest.Digest]bool, len(committed.Objects))
	for _, dgst := range committed.Objects {
		have[dgst] = true
	}
	want := make(map[digest.Digest]bool, len(current.Objects))
	for _, dgst := range current.Objects {
		want[dgst] = true
		if !have[dgst] {
			d.AddedObjects = append(d.AddedObjects, dgst)
		}
	}
	for _, dgst := range committed.Objects {
		if !want[dgst] {
			d.RemovedObjects = append(d.RemovedObjects, dgst)
		}
	}
	sort.Slice(d.AddedObjects, func(i, j int) bool { return d.AddedObjects[i] < d.AddedObjects[j] })
	sort.Slice(d.RemovedObjects, func(i, j int) bool { return d.RemovedObjects[i] < d.RemovedObjects[j] })
	return d
}
