// Package manifest models osbuild manifests as dynamic JSON documents and
// provides the canonical rendering that derives their checksum identity.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/opencontainers/go-digest"

	"github.com/osbuild/mdb/errdefs"
)

// SourceFiles is the only source type a manifest may declare.
const SourceFiles = "org.osbuild.files"

// annotationPrefix marks keys consumed by the preprocessor rather than the
// execution engine.
const annotationPrefix = "mpp-"

// Manifest is one decoded manifest document. The zero value is not usable;
// obtain instances from Decode or DecodeBytes.
type Manifest struct {
	data map[string]any
}

// Decode reads a single JSON document from r. Numbers keep their literal
// form so that re-encoding cannot change them. The document is validated
// against the manifest structure; unknown keys are rejected unless they
// carry the preprocessor annotation prefix.
func Decode(r io.Reader) (*Manifest, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, errdefs.InvalidParameter(fmt.Errorf("decoding manifest: %w", err))
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, errdefs.InvalidParameter(errors.New("trailing data after manifest"))
	}
	root, ok := data.(map[string]any)
	if !ok {
		return nil, errdefs.InvalidParameter(errors.New("manifest is not a JSON object"))
	}

	m := &Manifest{data: root}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(data []byte) (*Manifest, error) {
	return Decode(bytes.NewReader(data))
}

// Validate checks the document structure: known keys only (annotation keys
// excepted), with objects and arrays where the format demands them.
func (m *Manifest) Validate() error {
	if err := checkKeys("manifest", m.data, "pipeline", "sources"); err != nil {
		return err
	}
	if err := m.validateSources(); err != nil {
		return err
	}

	level := m.data
	at := ""
	for {
		if at != "" {
			if err := checkKeys(at, level, "pipeline", "runner"); err != nil {
				return err
			}
			if runner, ok := level["runner"]; ok {
				if _, ok := runner.(string); !ok {
					return invalidf("%s.runner: not a string", at)
				}
			}
		}
		pipeline, ok, err := childObject(level, at, "pipeline")
		if err != nil || !ok {
			return err
		}
		pat := joinPath(at, "pipeline")
		if err := checkKeys(pat, pipeline, "build", "stages"); err != nil {
			return err
		}
		if err := validateStages(pat, pipeline); err != nil {
			return err
		}
		build, ok, err := childObject(pipeline, pat, "build")
		if err != nil || !ok {
			return err
		}
		level = build
		at = joinPath(pat, "build")
	}
}

func (m *Manifest) validateSources() error {
	sources, ok, err := childObject(m.data, "", "sources")
	if err != nil || !ok {
		return err
	}
	if err := checkKeys("sources", sources, SourceFiles); err != nil {
		return err
	}
	files, ok, err := childObject(sources, "sources", SourceFiles)
	if err != nil || !ok {
		return err
	}
	fat := "sources." + SourceFiles
	if err := checkKeys(fat, files, "urls"); err != nil {
		return err
	}
	urls, ok, err := childObject(files, fat, "urls")
	if err != nil || !ok {
		return err
	}
	for _, checksum := range slices.Sorted(maps.Keys(urls)) {
		if _, ok := urls[checksum].(string); !ok {
			return invalidf("%s.urls[%s]: not a string", fat, checksum)
		}
	}
	return nil
}

func validateStages(at string, pipeline map[string]any) error {
	v, ok := pipeline["stages"]
	if !ok {
		return nil
	}
	stages, ok := v.([]any)
	if !ok {
		return invalidf("%s.stages: not an array", at)
	}
	for i, stage := range stages {
		if _, ok := stage.(map[string]any); !ok {
			return invalidf("%s.stages[%d]: not an object", at, i)
		}
	}
	return nil
}

// Levels returns the chain of pipeline levels: the document root followed
// by each nested build object. The returned maps alias the document, so
// mutations through them are visible in the manifest.
func (m *Manifest) Levels() []map[string]any {
	var levels []map[string]any
	level := m.data
	for level != nil {
		levels = append(levels, level)
		pipeline, _ := level["pipeline"].(map[string]any)
		if pipeline == nil {
			break
		}
		build, _ := pipeline["build"].(map[string]any)
		level = build
	}
	return levels
}

// Pipeline returns the root pipeline object, creating it when absent.
func (m *Manifest) Pipeline() map[string]any {
	return enter(m.data, "pipeline")
}

// Stages returns the root pipeline's stage list, or nil.
func (m *Manifest) Stages() []any {
	stages, _ := m.Pipeline()["stages"].([]any)
	return stages
}

// Sources returns the sources object, creating it when absent.
func (m *Manifest) Sources() map[string]any {
	return enter(m.data, "sources")
}

// URLs returns the file-source URL map, creating the chain when absent.
// Keys are source checksums in algorithm:hex form, values are URLs.
func (m *Manifest) URLs() map[string]any {
	return enter(enter(m.Sources(), SourceFiles), "urls")
}

// UpdateURLs merges checksum to URL entries into the manifest's file
// sources, new entries winning over existing ones.
func (m *Manifest) UpdateURLs(urls map[string]string) error {
	if len(urls) == 0 {
		return nil
	}
	src := make(map[string]any, len(urls))
	for checksum, url := range urls {
		src[checksum] = url
	}
	dst := m.URLs()
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging source urls: %w", err)
	}
	return nil
}

// MergeSources merges another manifest's sources into this one, entries
// from src winning on conflict. Only file sources are understood.
func (m *Manifest) MergeSources(src map[string]any) error {
	for _, name := range slices.Sorted(maps.Keys(src)) {
		if name != SourceFiles {
			return invalidf("sources: unknown source type %q", name)
		}
		files, ok := src[name].(map[string]any)
		if !ok {
			return invalidf("sources.%s: not an object", name)
		}
		if err := checkKeys("sources."+name, files, "urls"); err != nil {
			return err
		}
	}
	dst := m.Sources()
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging sources: %w", err)
	}
	return nil
}

// FileSources returns the manifest's declared external inputs as a map of
// source checksum to download URL.
func (m *Manifest) FileSources() (map[digest.Digest]string, error) {
	sources, _ := m.data["sources"].(map[string]any)
	files, _ := sources[SourceFiles].(map[string]any)
	urls, _ := files["urls"].(map[string]any)

	out := make(map[digest.Digest]string, len(urls))
	for checksum, v := range urls {
		dgst, err := digest.Parse(checksum)
		if err != nil {
			return nil, errdefs.InvalidParameter(fmt.Errorf("source checksum %q: %w", checksum, err))
		}
		url, ok := v.(string)
		if !ok {
			return nil, invalidf("source %s: url is not a string", checksum)
		}
		out[dgst] = url
	}
	return out, nil
}

// Annotations returns the dotted paths of all annotation keys left in the
// document, sorted. A fully preprocessed manifest has none.
func (m *Manifest) Annotations() []string {
	var found []string
	walkAnnotations("", m.data, &found)
	sort.Strings(found)
	return found
}

func walkAnnotations(at string, v any, found *[]string) {
	switch v := v.(type) {
	case map[string]any:
		for key, child := range v {
			path := joinPath(at, key)
			if strings.HasPrefix(key, annotationPrefix) {
				*found = append(*found, path)
				continue
			}
			walkAnnotations(path, child, found)
		}
	case []any:
		for i, child := range v {
			walkAnnotations(fmt.Sprintf("%s[%d]", at, i), child, found)
		}
	}
}

// stripDefaults lists the entries Canonical removes when they still hold
// their empty default, deepest first so that emptied parents cascade.
var stripDefaults = []struct {
	path  []string
	empty func(any) bool
}{
	{[]string{"sources", SourceFiles, "urls"}, emptyObject},
	{[]string{"sources", SourceFiles}, emptyObject},
	{[]string{"sources"}, emptyObject},
	{[]string{"pipeline", "stages"}, emptyArray},
	{[]string{"pipeline"}, emptyObject},
}

// Canonical renders the manifest in its canonical form: lexicographically
// sorted keys, two-space indent, no HTML escaping, a single trailing
// newline, empty default collections stripped. Canonical bytes are the
// input to checksum derivation and must be stable across runs.
func (m *Manifest) Canonical() ([]byte, error) {
	data := copyObject(m.data)
	for _, s := range stripDefaults {
		parent := data
		reached := true
		for _, step := range s.path[:len(s.path)-1] {
			next, _ := parent[step].(map[string]any)
			if len(next) == 0 {
				reached = false
				break
			}
			parent = next
		}
		if !reached {
			continue
		}
		key := s.path[len(s.path)-1]
		if v, ok := parent[key]; ok && s.empty(v) {
			delete(parent, key)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest computes the manifest's identity, the digest of its canonical
// rendering.
func (m *Manifest) Digest() (digest.Digest, error) {
	data, err := m.Canonical()
	if err != nil {
		return "", err
	}
	return digest.Canonical.FromBytes(data), nil
}

// enter returns dct[key] as an object, inserting an empty one when absent.
func enter(dct map[string]any, key string) map[string]any {
	if v, ok := dct[key].(map[string]any); ok {
		return v
	}
	v := map[string]any{}
	dct[key] = v
	return v
}

func childObject(parent map[string]any, at, key string) (map[string]any, bool, error) {
	v, ok := parent[key]
	if !ok {
		return nil, false, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false, invalidf("%s: not an object", joinPath(at, key))
	}
	return obj, true, nil
}

// checkKeys rejects keys outside allowed, annotation keys excepted.
func checkKeys(at string, obj map[string]any, allowed ...string) error {
	for _, key := range slices.Sorted(maps.Keys(obj)) {
		if strings.HasPrefix(key, annotationPrefix) {
			continue
		}
		if !slices.Contains(allowed, key) {
			return invalidf("%s: unknown key %q", at, key)
		}
	}
	return nil
}

func emptyObject(v any) bool {
	obj, ok := v.(map[string]any)
	return ok && len(obj) == 0
}

func emptyArray(v any) bool {
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}

func copyObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyObject(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func invalidf(format string, args ...any) error {
	return errdefs.InvalidParameter(fmt.Errorf(format, args...))
}
