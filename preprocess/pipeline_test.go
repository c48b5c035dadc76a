package preprocess

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/osbuild/mdb/errdefs"
	"github.com/osbuild/mdb/mpp"
	"github.com/osbuild/mdb/store"
)

func newPipeline(t *testing.T, source string) *Pipeline {
	t.Helper()
	s, tags, err := store.Open(t.TempDir())
	assert.NilError(t, err)
	return &Pipeline{
		Source:   source,
		Store:    s,
		Tags:     tags,
		Expander: mpp.New(mpp.Options{BaseDir: source}),
	}
}

func TestRunDeduplicatesIdenticalOutput(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("base.json", `{"pipeline": {"stages": [{"name": "org.osbuild.kernel"}]}}`),
		fs.WithFile("copy.json", `{
			"pipeline": {"stages": [{"name": "org.osbuild.kernel"}]}
		}`),
		fs.WithDir("f42",
			fs.WithFile("minimal.json", `{"pipeline": {"stages": [{"name": "org.osbuild.locale"}]}}`),
		),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	result, err := p.Run(context.Background())
	assert.NilError(t, err)

	assert.Check(t, is.Len(result.Digests, 3))
	assert.Check(t, is.Equal(result.Digests["base.json"], result.Digests["copy.json"]))
	assert.Check(t, result.Digests["f42/minimal.json"] != result.Digests["base.json"])
	assert.Check(t, is.Equal(result.Created, 2))

	objects, err := p.Store.List()
	assert.NilError(t, err)
	assert.Check(t, is.Len(objects, 2))

	tags, err := p.Tags.Map()
	assert.NilError(t, err)
	assert.Check(t, is.Len(tags, 3))
	assert.Check(t, is.Equal(tags["base.json"], tags["copy.json"]))
}

func TestRunIsDeterministic(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("a.json", `{"pipeline": {"stages": [{"name": "org.osbuild.a"}]}}`),
		fs.WithFile("b.json", `{"pipeline": {"stages": [{"name": "org.osbuild.b"}]}}`),
		fs.WithFile("c.json", `{"pipeline": {"stages": [{"name": "org.osbuild.c"}]}}`),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	first, err := p.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(first.Created, 3))

	snap, err := Capture(p.Store, p.Tags)
	assert.NilError(t, err)

	second, err := p.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(first.Digests, second.Digests))
	assert.Check(t, is.Equal(second.Created, 0))

	again, err := Capture(p.Store, p.Tags)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(snap, again))
}

func TestRunSubset(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("root.json", `{"pipeline": {}}`),
		fs.WithDir("f42",
			fs.WithFile("one.json", `{"pipeline": {"stages": [{"name": "org.osbuild.one"}]}}`),
			fs.WithFile("two.json", `{"pipeline": {"stages": [{"name": "org.osbuild.two"}]}}`),
		),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	result, err := p.Run(context.Background(), "f42")
	assert.NilError(t, err)

	assert.Check(t, is.Len(result.Digests, 2))
	_, ok := result.Digests["root.json"]
	assert.Check(t, !ok)

	tags, err := p.Tags.Map()
	assert.NilError(t, err)
	assert.Check(t, is.Len(tags, 2))
}

func TestRunExcludes(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("keep.json", `{"pipeline": {}}`),
		fs.WithFile(".hidden.json", `not even json`),
		fs.WithDir(".git",
			fs.WithFile("config", `[core]`),
		),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	p.Exclude = []string{".*", "**/.*"}

	result, err := p.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Len(result.Digests, 1))
	_, ok := result.Digests["keep.json"]
	assert.Check(t, ok)
}

func TestRunMissingPath(t *testing.T) {
	dir := fs.NewDir(t, "source")
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	_, err := p.Run(context.Background(), "nope")
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestRunBadTemplate(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("good.json", `{"pipeline": {}}`),
		fs.WithFile("bad.json", `{"pipeline": {"staegs": []}}`),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	_, err := p.Run(context.Background())
	assert.Check(t, errdefs.IsInvalidParameter(err))
	assert.ErrorContains(t, err, "bad.json")
}

func TestRunTemplateEdit(t *testing.T) {
	dir := fs.NewDir(t, "source",
		fs.WithFile("app.json", `{"pipeline": {"stages": [{"name": "org.osbuild.app", "options": {"release": 1}}]}}`),
		fs.WithFile("base.json", `{"pipeline": {"stages": [{"name": "org.osbuild.base"}]}}`),
	)
	defer dir.Remove()

	p := newPipeline(t, dir.Path())
	_, err := p.Run(context.Background())
	assert.NilError(t, err)

	committed, err := Capture(p.Store, p.Tags)
	assert.NilError(t, err)

	fs.Apply(t, dir, fs.WithFile("app.json", `{"pipeline": {"stages": [{"name": "org.osbuild.app", "options": {"release": 2}}]}}`))

	result, err := p.Run(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(result.Created, 1))

	current, err := Capture(p.Store, p.Tags)
	assert.NilError(t, err)

	drift := Diff(committed, current)
	assert.Check(t, !drift.Empty())
	assert.Check(t, is.DeepEqual(drift.ChangedTags, []string{"app.json"}))
	assert.Check(t, is.Len(drift.AddedObjects, 1))
	assert.Check(t, is.Len(drift.RemovedObjects, 0))
	assert.Check(t, is.Len(drift.AddedTags, 0))
	assert.Check(t, is.Len(drift.RemovedTags, 0))
}
