package baseimg

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// Puller fetches base image bundles from a container registry and caches
// them under cacheDir. Cache entries are keyed by manifest digest and become
// visible only via rename, so a crashed pull never leaves a half bundle
// behind.
type Puller struct {
	cacheDir string
	logger   *slog.Logger
}

func NewPuller(cacheDir string, logger *slog.Logger) (*Puller, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base image cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{cacheDir: cacheDir, logger: logger}, nil
}

// Pull resolves ref, downloads the bundle if it is not cached yet, and
// returns the local bundle. References without a registry default to
// docker.io, matching the docker CLI.
func (p *Puller) Pull(ctx context.Context, imageRef string) (*Bundle, error) {
	ref, err := parseReference(imageRef)
	if err != nil {
		return nil, err
	}

	platform, err := v1.ParsePlatform("linux/" + runtime.GOARCH)
	if err != nil {
		return nil, fmt.Errorf("parse platform: %w", err)
	}

	img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch base image %s: %w", ref, err)
	}

	hash, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("base image digest: %w", err)
	}

	bundle := &Bundle{
		Ref:    ref.String(),
		Digest: digest.Digest(hash.String()),
		Dir:    filepath.Join(p.cacheDir, hash.Algorithm+"-"+hash.Hex),
	}

	if bundleComplete(bundle.Dir) {
		p.logger.Debug("base image cache hit", "ref", bundle.Ref, "digest", bundle.Digest)
		return bundle, nil
	}

	p.logger.Info("pulling base image", "ref", bundle.Ref, "digest", bundle.Digest)
	if err := p.materialize(img, bundle.Dir); err != nil {
		return nil, err
	}
	return bundle, nil
}

// materialize extracts the kernel and rootfs from the image layers into a
// staging dir, then renames it into place.
func (p *Puller) materialize(img v1.Image, dst string) error {
	tmp, err := os.MkdirTemp(p.cacheDir, "pull-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("base image layers: %w", err)
	}

	for _, layer := range layers {
		if err := extractBundleFiles(layer, tmp); err != nil {
			return err
		}
	}

	if !bundleComplete(tmp) {
		return fmt.Errorf("%w: need %s and %s", ErrIncompleteBundle, kernelFileName, rootfsFileName)
	}

	if err := os.Rename(tmp, dst); err != nil {
		// A concurrent pull may have won the rename.
		if bundleComplete(dst) {
			return nil
		}
		return fmt.Errorf("commit bundle: %w", err)
	}
	return nil
}

// extractBundleFiles pulls just the bundle files out of one layer tar.
// Later layers overwrite earlier ones, same as image layering.
func extractBundleFiles(layer v1.Layer, dst string) error {
	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("open layer: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := filepath.Base(hdr.Name)
		if base != kernelFileName && base != rootfsFileName {
			continue
		}

		if err := writeEntry(tr, filepath.Join(dst, base)); err != nil {
			return fmt.Errorf("extract %s: %w", base, err)
		}
	}
}

func writeEntry(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func bundleComplete(dir string) bool {
	for _, file := range []string{kernelFileName, rootfsFileName} {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			return false
		}
	}
	return true
}

// parseReference normalizes short references the way the docker CLI does
// before handing them to the registry client.
func parseReference(imageRef string) (name.Reference, error) {
	normalized := imageRef
	if !strings.Contains(imageRef, "/") {
		normalized = "docker.io/library/" + imageRef
	} else if first := strings.Split(imageRef, "/")[0]; !strings.Contains(first, ".") && !strings.Contains(first, ":") {
		normalized = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidReference, imageRef, err)
	}
	return ref, nil
}
