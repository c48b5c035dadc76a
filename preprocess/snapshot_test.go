package preprocess

import (
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/store"
)

func TestSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, tags, err := store.Open(root)
	assert.NilError(t, err)

	dgst, err := s.Put([]byte(`{"pipeline": "x"}`))
	assert.NilError(t, err)
	assert.NilError(t, tags.Set("f42/x.json", dgst))

	snap, err := Capture(s, tags)
	assert.NilError(t, err)
	assert.NilError(t, snap.Save(root))

	loaded, err := Load(root)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(snap, loaded))
	assert.Check(t, is.Equal(loaded.Tags["f42/x.json"], dgst))
}

func TestSnapshotLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestSnapshotLoadEmpty(t *testing.T) {
	root := t.TempDir()
	snap := &Snapshot{Objects: []digest.Digest{}, Tags: map[string]digest.Digest{}}
	assert.NilError(t, snap.Save(root))

	loaded, err := Load(root)
	assert.NilError(t, err)
	assert.Check(t, is.Len(loaded.Objects, 0))
	assert.Check(t, is.Len(loaded.Tags, 0))
}

func TestDiff(t *testing.T) {
	d1 := digest.FromString("one")
	d2 := digest.FromString("two")
	d3 := digest.FromString("three")

	committed := &Snapshot{
		Objects: []digest.Digest{d1, d2},
		Tags: map[string]digest.Digest{
			"stays.json":   d1,
			"changes.json": d1,
			"goes.json":    d2,
		},
	}
	current := &Snapshot{
		Objects: []digest.Digest{d1, d3},
		Tags: map[string]digest.Digest{
			"stays.json":   d1,
			"changes.json": d3,
			"new.json":     d3,
		},
	}

	drift := Diff(committed, current)
	assert.Check(t, !drift.Empty())
	assert.DeepEqual(t, drift, &Drift{
		AddedTags:      []string{"new.json"},
		RemovedTags:    []string{"goes.json"},
		ChangedTags:    []string{"changes.json"},
		AddedObjects:   []digest.Digest{d3},
		RemovedObjects: []digest.Digest{d2},
	}, cmpopts.EquateEmpty())
}

func TestDiffEmpty(t *testing.T) {
	snap := &Snapshot{
		Objects: []digest.Digest{digest.FromString("one")},
		Tags:    map[string]digest.Digest{"a.json": digest.FromString("one")},
	}
	drift := Diff(snap, snap)
	assert.Check(t, drift.Empty())
	assert.Check(t, is.Len(drift.AddedTags, 0))
}
