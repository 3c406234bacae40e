// Package registry resolves a named pipeline (e.g. "smollm2:135m") to the
// on-disk directory holding its compiled fragments, using a local
// manifest/blob layout. There is no network fetch here: the remote-hub
// download collaborator is out of scope, per spec.md §1.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultTag is used when a pipeline name carries no ":tag" suffix.
	DefaultTag = "latest"
	// MediaTypeFragmentSet marks the manifest layer whose digest names the
	// blob directory containing a pipeline's compiled fragments.
	MediaTypeFragmentSet = "application/vnd.longbow.pipeline.fragmentset"
)

// Manifest is the local per-pipeline manifest, one per (name, tag) pair.
type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

// Layer is one content-addressed entry in a Manifest.
type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// RootDir returns the local root directory manifests and blobs are stored
// under, honoring LONGBOW_PIPELINES if set.
func RootDir() (string, error) {
	if env := os.Getenv("LONGBOW_PIPELINES"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".longbow", "pipelines"), nil
}

// Resolve parses name (optionally "name:tag", defaulting to "latest"),
// reads its manifest, and returns the absolute path of the blob directory
// holding the compiled fragment set. The returned directory is meant to be
// passed directly as pipeline.Load's dir argument.
func Resolve(name string) (string, error) {
	pipelineName, tag := splitName(name)

	root, err := RootDir()
	if err != nil {
		return "", err
	}

	manifestPath := filepath.Join(root, "manifests", pipelineName, tag)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		return "", fmt.Errorf("pipeline manifest not found at %s", manifestPath)
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("reading manifest %q: %w", manifestPath, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parsing manifest %q: %w", manifestPath, err)
	}

	digest := fragmentSetDigest(m)
	if digest == "" {
		return "", fmt.Errorf("manifest %q has no %s layer", manifestPath, MediaTypeFragmentSet)
	}

	blobDir := filepath.Join(root, "blobs", blobDirName(digest))
	info, err := os.Stat(blobDir)
	if os.IsNotExist(err) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("fragment set blob not found at %s", blobDir)
	}
	if err != nil {
		return "", err
	}
	return blobDir, nil
}

func fragmentSetDigest(m Manifest) string {
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeFragmentSet {
			return l.Digest
		}
	}
	return ""
}

// blobDirName converts a "sha256:hash" digest into its on-disk directory
// name, "sha256-hash" — the same colon-to-dash convention the teacher's
// Ollama resolver used for blob filenames.
func blobDirName(digest string) string {
	return strings.Replace(digest, ":", "-", 1)
}

func splitName(name string) (pipelineName, tag string) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) == 1 {
		return parts[0], DefaultTag
	}
	return parts[0], parts[1]
}
