package registry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/osbuild/mdb/errdefs"
)

func TestNew(t *testing.T) {
	client, err := New(context.Background(), "http://cache.example.com/fedora/manifests", Options{})
	assert.NilError(t, err)
	_, ok := client.(*HTTPClient)
	assert.Check(t, ok)

	_, err = New(context.Background(), "ftp://cache.example.com/x", Options{})
	assert.Check(t, errdefs.IsInvalidParameter(err))

	_, err = New(context.Background(), "http://cache.example.com", Options{})
	assert.Check(t, errdefs.IsInvalidParameter(err))

	_, err = New(context.Background(), "s3://", Options{})
	assert.Check(t, errdefs.IsInvalidParameter(err))
}

func TestValidateTag(t *testing.T) {
	valid := []string{
		"sha256-" + strings.Repeat("a", 64),
		"latest",
		"v1.2_3-rc",
	}
	for _, tag := range valid {
		assert.NilError(t, ValidateTag(tag), tag)
	}

	invalid := []string{
		"",
		"sha256:" + strings.Repeat("a", 64),
		".start",
		"-start",
		"has space",
		strings.Repeat("a", 129),
	}
	for _, tag := range invalid {
		assert.Check(t, errdefs.IsInvalidParameter(ValidateTag(tag)), "tag %q", tag)
	}
}

func TestDecidePush(t *testing.T) {
	blob := digest.FromString("blob")
	other := digest.FromString("other")
	tombstone := digest.FromString("tombstone")

	skip, err := decidePush("", blob, tombstone)
	assert.NilError(t, err)
	assert.Check(t, !skip)

	skip, err = decidePush(blob, blob, tombstone)
	assert.NilError(t, err)
	assert.Check(t, skip)

	skip, err = decidePush(other, tombstone, tombstone)
	assert.NilError(t, err)
	assert.Check(t, !skip)

	skip, err = decidePush(tombstone, blob, tombstone)
	assert.NilError(t, err)
	assert.Check(t, !skip)

	_, err = decidePush(other, blob, tombstone)
	assert.Check(t, errdefs.IsConflict(err))

	_, err = decidePush(other, blob, "")
	assert.Check(t, errdefs.IsConflict(err))
}

func TestSpool(t *testing.T) {
	data := []byte("payload")
	dgst, f, cleanup, err := spool(bytes.NewReader(data), int64(len(data)))
	assert.NilError(t, err)
	defer cleanup()

	assert.Check(t, is.Equal(dgst, digest.FromBytes(data)))
	back := make([]byte, len(data))
	_, err = f.Read(back)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(back, data))
}

func TestSpoolSizeMismatch(t *testing.T) {
	_, _, _, err := spool(bytes.NewReader([]byte("payload")), 3)
	assert.Check(t, errdefs.IsInvalidParameter(err))
}
