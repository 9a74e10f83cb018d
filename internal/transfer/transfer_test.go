package transfer_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
	"github.com/toxic13/docker-utils/internal/image"
	"github.com/toxic13/docker-utils/internal/session"
	"github.com/toxic13/docker-utils/internal/transfer"
)

var (
	idApp = "sha256:" + strings.Repeat("a", 64)
	idDB  = "sha256:" + strings.Repeat("b", 64)
)

type fakeImage struct {
	id   string
	tags []string
}

// fakeStore is an in-memory image store. Its archives are real tar streams carrying a
// docker manifest, so the orchestrator parses them exactly as it parses engine output.
type fakeStore struct {
	label     string
	canExport bool
	canImport bool
	images    map[string]fakeImage

	mu       sync.Mutex
	held     map[string]bool
	tags     map[string]string
	received []string
	journal  []string
}

func newStore(label string, capable bool) *fakeStore {
	return &fakeStore{
		label:     label,
		canExport: capable,
		canImport: capable,
		images:    make(map[string]fakeImage),
		held:      make(map[string]bool),
		tags:      make(map[string]string),
	}
}

func (s *fakeStore) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, fmt.Sprintf(format, args...))
}

func (s *fakeStore) Journal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.journal...)
}

func (s *fakeStore) Label() string { return s.label }

func (s *fakeStore) Open(context.Context) error {
	s.record("open")
	return nil
}

func (s *fakeStore) Ready(context.Context) error {
	s.record("ready")
	return nil
}

func (s *fakeStore) Close() error {
	s.record("close")
	return nil
}

func (s *fakeStore) CanExportWithExclusion(context.Context) bool {
	s.record("probe export")
	return s.canExport
}

func (s *fakeStore) CanImportWithExclusionReport(context.Context) bool {
	s.record("probe import")
	return s.canImport
}

// Export writes the archive before calling fn, as the data is small enough to fit in a
// pipe buffer and w must not be touched once fn has released it.
func (s *fakeStore) Export(_ context.Context, images []string, exclude image.ExcludeSet, w io.Writer, fn func() error) error {
	s.record("export %s", strings.Join(exclude.Sorted(), ","))

	type entry struct {
		Config   string
		RepoTags []string
		Layers   []string
	}
	var manifest []entry
	for _, ref := range images {
		img, ok := s.images[ref]
		if !ok {
			return fmt.Errorf("no such image %s", ref)
		}
		if !exclude.Has(image.ExcludeAll) && exclude.Has(img.id) {
			continue
		}
		manifest = append(manifest, entry{
			Config:   strings.TrimPrefix(img.id, "sha256:") + ".json",
			RepoTags: img.tags,
			Layers:   []string{},
		})
	}
	if manifest == nil {
		manifest = []entry{}
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(&tar.Header{Name: "manifest.json", Mode: 0o644, Size: int64(len(raw)), Typeflag: tar.TypeReg}); err != nil {
		return err
	}
	if _, err := tw.Write(raw); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if fn != nil {
		return fn()
	}
	return nil
}

func (s *fakeStore) Import(_ context.Context, r io.Reader, report bool, fn func() error) (image.ExcludeSet, error) {
	s.record("import report=%t", report)
	if fn != nil {
		if err := fn(); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	entries, err := image.ReadManifest(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if report {
		present := image.NewExcludeSet()
		for _, e := range entries {
			if s.held[e.ID.String()] {
				present.Add(e.ID.String())
			}
		}
		return present, nil
	}
	s.received = nil
	for _, e := range entries {
		s.held[e.ID.String()] = true
		s.received = append(s.received, e.ID.String())
	}
	return nil, nil
}

func (s *fakeStore) Tag(_ context.Context, id, tag string) error {
	s.record("tag %s %s", id, tag)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag] = id
	return nil
}

func sourceStore(capable bool) *fakeStore {
	src := newStore("src", capable)
	src.images["v1/app:latest"] = fakeImage{id: idApp, tags: []string{"v1/app:latest"}}
	src.images["v1/db:1"] = fakeImage{id: idDB, tags: []string{"v1/db:1", "v1/db:stable"}}
	return src
}

func contains(journal []string, prefix string) bool {
	for _, line := range journal {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func TestRun_ExcludeSetIsDestinationReport(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)
	dst.held[idApp] = true

	res, err := transfer.Run(context.Background(), src, dst, transfer.Request{Images: []string{"v1/app:latest", "v1/db:1"}})
	require.NoError(t, err)

	assert.True(t, res.Negotiated)
	assert.Equal(t, []string{idApp}, res.Exclude.Sorted())
	assert.Equal(t, []string{idDB}, dst.received)
	assert.NotEmpty(t, res.RunID)
	assert.Nil(t, res.Tags)

	assert.Equal(t, []string{
		"open", "ready", "probe export",
		"export *",
		"export " + idApp,
		"close",
	}, src.Journal())
	assert.Equal(t, []string{
		"open", "ready", "probe import",
		"import report=true",
		"import report=false",
		"close",
	}, dst.Journal())
}

func TestRun_SecondRunTransfersNothing(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)
	req := transfer.Request{Images: []string{"v1/app:latest", "v1/db:1"}}

	first, err := transfer.Run(context.Background(), src, dst, req)
	require.NoError(t, err)
	assert.Zero(t, first.Exclude.Len())
	assert.ElementsMatch(t, []string{idApp, idDB}, dst.received)

	second, err := transfer.Run(context.Background(), src, dst, req)
	require.NoError(t, err)
	assert.Equal(t, []string{idApp, idDB}, second.Exclude.Sorted())
	assert.Empty(t, dst.received)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_TranslatesAndRetags(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)

	res, err := transfer.Run(context.Background(), src, dst, transfer.Request{
		Images:       []string{"v1/app:latest", "v1/db:1"},
		RemovePrefix: "v1/",
		AddPrefix:    "v2/",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"v2/app:latest": idApp,
		"v2/db:1":       idDB,
		"v2/db:stable":  idDB,
	}, dst.tags)
	assert.Equal(t, []string{"v2/app:latest", "v2/db:1", "v2/db:stable"}, res.Tags.Tags())

	// Tagging happens after the real import.
	journal := dst.Journal()
	assert.Equal(t, "import report=false", journal[4])
	assert.True(t, strings.HasPrefix(journal[5], "tag "))
}

func TestRun_PrefixMismatchStopsBeforeTransfer(t *testing.T) {
	src := sourceStore(true)
	src.images["other/tool:1"] = fakeImage{id: idApp, tags: []string{"other/tool:1"}}
	dst := newStore("dst", true)

	_, err := transfer.Run(context.Background(), src, dst, transfer.Request{
		Images:       []string{"v1/app:latest", "other/tool:1"},
		RemovePrefix: "v1/",
		AddPrefix:    "v2/",
	})
	var mismatch *syncerr.PrefixMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "other/tool:1", mismatch.Tag)
	assert.Equal(t, "v1/", mismatch.Prefix)
	assert.Equal(t, syncerr.CodePrefixMismatch, syncerr.CodeOf(err))

	assert.False(t, contains(dst.Journal(), "import"))
	assert.Empty(t, dst.tags)
	assert.Equal(t, []string{"open", "ready", "probe export", "export *", "close"}, src.Journal())
}

func TestRun_TranslationNeedsNegotiation(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeStore
		dst  *fakeStore
		req  transfer.Request
	}{
		{
			name: "source cannot exclude",
			src:  sourceStore(false),
			dst:  newStore("dst", true),
			req:  transfer.Request{Images: []string{"v1/app:latest"}, AddPrefix: "v2/"},
		},
		{
			name: "destination cannot report",
			src:  sourceStore(true),
			dst:  newStore("dst", false),
			req:  transfer.Request{Images: []string{"v1/app:latest"}, RemovePrefix: "v1/"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transfer.Run(context.Background(), tt.src, tt.dst, tt.req)
			require.ErrorIs(t, err, syncerr.ErrUnsupportedTranslation)
			assert.Equal(t, syncerr.CodeUnsupportedTranslation, syncerr.CodeOf(err))

			assert.False(t, contains(tt.src.Journal(), "export"))
			assert.False(t, contains(tt.dst.Journal(), "import"))
			assert.True(t, contains(tt.src.Journal(), "close"))
			assert.True(t, contains(tt.dst.Journal(), "close"))
		})
	}
}

func TestRun_FallsBackToFullTransfer(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", false)
	dst.held[idApp] = true

	res, err := transfer.Run(context.Background(), src, dst, transfer.Request{Images: []string{"v1/app:latest", "v1/db:1"}})
	require.NoError(t, err)

	assert.False(t, res.Negotiated)
	assert.Zero(t, res.Exclude.Len())
	assert.ElementsMatch(t, []string{idApp, idDB}, dst.received)
	assert.Equal(t, []string{"open", "ready", "probe import", "import report=false", "close"}, dst.Journal())
}

func TestRun_DryRunOnlyNegotiates(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)
	dst.held[idDB] = true

	res, err := transfer.Run(context.Background(), src, dst, transfer.Request{
		Images:       []string{"v1/app:latest", "v1/db:1"},
		RemovePrefix: "v1/",
		DryRun:       true,
	})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, []string{idDB}, res.Exclude.Sorted())
	assert.Equal(t, []string{"app:latest", "db:1", "db:stable"}, res.Tags.Tags())
	assert.Empty(t, dst.received)
	assert.Empty(t, dst.tags)
	assert.False(t, contains(dst.Journal(), "import report=false"))
}

func TestRun_FanoutDestinationIntersects(t *testing.T) {
	src := sourceStore(true)
	a := newStore("a", true)
	a.held[idApp] = true
	a.held[idDB] = true
	b := newStore("b", true)
	b.held[idDB] = true

	dst, err := session.Combine([]session.Session{a, b})
	require.NoError(t, err)

	res, err := transfer.Run(context.Background(), src, dst, transfer.Request{
		Images: []string{"v1/app:latest", "v1/db:1"},
		DryRun: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "a,b", res.Destination)
	assert.Equal(t, []string{idDB}, res.Exclude.Sorted())
	assert.Equal(t, []string{"open", "ready", "probe import", "import report=true", "close"}, a.Journal())
}

func TestRun_ThroughDisplay(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)

	_, err := transfer.Run(context.Background(), src, dst,
		transfer.Request{Images: []string{"v1/app:latest"}},
		transfer.WithDisplay("cat"))
	require.NoError(t, err)
	assert.Equal(t, []string{idApp}, dst.received)
}

func TestRun_RejectsInvalidImages(t *testing.T) {
	src := sourceStore(true)
	dst := newStore("dst", true)

	_, err := transfer.Run(context.Background(), src, dst, transfer.Request{})
	assert.Equal(t, syncerr.CodeInvalidInput, syncerr.CodeOf(err))
	assert.Empty(t, src.Journal())
}

type failingOpen struct {
	*fakeStore
	err error
}

func (f *failingOpen) Open(context.Context) error { return f.err }

func TestRun_OpenFailureClosesSource(t *testing.T) {
	src := sourceStore(true)
	boom := errors.New("tunnel refused")
	dst := &failingOpen{fakeStore: newStore("dst", true), err: boom}

	_, err := transfer.Run(context.Background(), src, dst, transfer.Request{Images: []string{"v1/app:latest"}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"open", "ready", "close"}, src.Journal())
}

func TestTranslateTag(t *testing.T) {
	tests := []struct {
		old, add, remove string
		want             string
		wantErr          bool
	}{
		{old: "v1/app:latest", add: "v2/", remove: "v1/", want: "v2/app:latest"},
		{old: "app:latest", add: "registry.local/", want: "registry.local/app:latest"},
		{old: "team/app:1", remove: "team/", want: "app:1"},
		{old: "app:1", want: "app:1"},
		{old: "v3/app:latest", add: "v2/", remove: "v1/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.old, func(t *testing.T) {
			got, err := transfer.TranslateTag(tt.old, tt.add, tt.remove)
			if tt.wantErr {
				assert.ErrorIs(t, err, syncerr.ErrPrefixMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildTagMap(t *testing.T) {
	entries := []image.ManifestEntry{
		{ID: digest.Digest(idApp), Tags: []string{"v1/app:latest", "v1/shared:1"}},
		{ID: digest.Digest(idDB), Tags: []string{"v1/shared:1"}},
	}

	tags, err := transfer.BuildTagMap(entries, "v2/", "v1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"v2/app:latest", "v2/shared:1"}, tags.Tags())
	id, _ := tags.Get("v2/shared:1")
	assert.Equal(t, digest.Digest(idDB), id)

	_, err = transfer.BuildTagMap(entries, "Bad Prefix/", "v1/")
	assert.Equal(t, syncerr.CodeInvalidInput, syncerr.CodeOf(err))
}
