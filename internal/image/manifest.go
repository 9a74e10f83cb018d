// Package image holds the transfer data model: image references, content identifiers,
// exclude sets, tag mappings, and the manifest of an exported archive.
package image

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"

	"github.com/distribution/reference"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	syncerr "github.com/toxic13/docker-utils/internal/errors"
)

const (
	dockerManifestFile = "manifest.json"
	ociIndexFile       = "index.json"

	// annotationImageName carries the full image name in archives written by containerd-backed engines.
	annotationImageName = "io.containerd.image.name"

	// maxMetadataEntry bounds the tar entries kept in memory; anything larger is layer data.
	maxMetadataEntry = 4 << 20
)

// configName matches config file names in a docker manifest: "<hex>.json" in the classic
// layout, "blobs/sha256/<hex>" in the OCI-compatible layout.
var configName = regexp.MustCompile(`^(?:blobs/sha256/)?([a-f0-9]{64})(?:\.json)?$`)

// ManifestEntry describes one image in an exported archive.
type ManifestEntry struct {
	// ID is the content identifier of the image configuration.
	ID digest.Digest

	// Tags are the repository tags the archive declares for the image.
	Tags []string
}

// ReadManifest parses the manifest of an export archive.
//
// The docker manifest.json is preferred; archives that only carry an OCI index.json are
// read through their image manifests. The archive is buffered in memory, so callers should
// only pass metadata-only exports.
func ReadManifest(r io.Reader) ([]ManifestEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	files, err := metadataFiles(data)
	if err != nil {
		return nil, err
	}

	if _, ok := files[dockerManifestFile]; ok {
		return readDockerManifest(data)
	}
	if index, ok := files[ociIndexFile]; ok {
		return readOCIIndex(index, files)
	}
	return nil, syncerr.Newf(syncerr.CodeInvalidInput, "manifest", "archive has neither %s nor %s", dockerManifestFile, ociIndexFile)
}

// ConfigID extracts the content identifier from a manifest config file name.
func ConfigID(config string) (digest.Digest, error) {
	m := configName.FindStringSubmatch(config)
	if m == nil {
		return "", syncerr.Newf(syncerr.CodeInvalidInput, "manifest", "unexpected config name %q", config)
	}
	id := digest.NewDigestFromEncoded(digest.SHA256, m[1])
	if err := id.Validate(); err != nil {
		return "", syncerr.New(syncerr.CodeInvalidInput, "manifest", err)
	}
	return id, nil
}

func readDockerManifest(data []byte) ([]ManifestEntry, error) {
	opener := func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	manifest, err := tarball.LoadManifest(opener)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", err)
	}

	entries := make([]ManifestEntry, 0, len(manifest))
	for _, desc := range manifest {
		id, err := ConfigID(desc.Config)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ManifestEntry{ID: id, Tags: append([]string(nil), desc.RepoTags...)})
	}
	return entries, nil
}

func readOCIIndex(raw []byte, files map[string][]byte) ([]ManifestEntry, error) {
	var index ocispec.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", fmt.Errorf("decode %s: %w", ociIndexFile, err))
	}

	entries := make([]ManifestEntry, 0, len(index.Manifests))
	for _, desc := range index.Manifests {
		manifest, err := resolveImageManifest(desc, files)
		if err != nil {
			return nil, err
		}
		if err := manifest.Config.Digest.Validate(); err != nil {
			return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", err)
		}
		entries = append(entries, ManifestEntry{ID: manifest.Config.Digest, Tags: annotatedTags(desc.Annotations)})
	}
	return entries, nil
}

// resolveImageManifest follows desc to an image manifest. A nested image index resolves
// to its first manifest present in the archive.
func resolveImageManifest(desc ocispec.Descriptor, files map[string][]byte) (*ocispec.Manifest, error) {
	blob, ok := files[blobPath(desc.Digest)]
	if !ok {
		return nil, syncerr.Newf(syncerr.CodeInvalidInput, "manifest", "blob %s missing from archive", desc.Digest)
	}

	if desc.MediaType == ocispec.MediaTypeImageIndex {
		var nested ocispec.Index
		if err := json.Unmarshal(blob, &nested); err != nil {
			return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", err)
		}
		for _, child := range nested.Manifests {
			if _, ok := files[blobPath(child.Digest)]; ok {
				return resolveImageManifest(child, files)
			}
		}
		return nil, syncerr.Newf(syncerr.CodeInvalidInput, "manifest", "index %s has no manifest in archive", desc.Digest)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(blob, &manifest); err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", fmt.Errorf("decode manifest %s: %w", desc.Digest, err))
	}
	return &manifest, nil
}

// annotatedTags returns the familiar tag of an index entry, e.g. "app:latest" for
// "docker.io/library/app:latest". Untagged entries yield no tags.
func annotatedTags(annotations map[string]string) []string {
	for _, key := range []string{annotationImageName, ocispec.AnnotationRefName} {
		raw, ok := annotations[key]
		if !ok {
			continue
		}
		named, err := reference.ParseNormalizedNamed(raw)
		if err != nil {
			continue
		}
		if _, tagged := named.(reference.Tagged); !tagged {
			continue
		}
		return []string{reference.FamiliarString(named)}
	}
	return nil
}

func blobPath(d digest.Digest) string {
	return path.Join("blobs", d.Algorithm().String(), d.Encoded())
}

// metadataFiles indexes the archive's small entries by cleaned path.
func metadataFiles(data []byte) (map[string][]byte, error) {
	files := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest",
				fmt.Errorf("read archive entry (content looks like %s): %w", contentType(data), err))
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size > maxMetadataEntry {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, syncerr.New(syncerr.CodeInvalidInput, "manifest", fmt.Errorf("read %s: %w", hdr.Name, err))
		}
		files[path.Clean(hdr.Name)] = content
	}
}

// contentType names what a stream that failed to parse as an archive actually holds.
func contentType(data []byte) string {
	if len(data) == 0 {
		return "nothing"
	}
	return mimetype.Detect(data).String()
}
