// Package baseimg distributes VM base bundles as OCI artifacts. A bundle
// image carries the guest kernel and the root filesystem the hypervisor
// cold boots from; bundles are cached on disk keyed by image digest, so a
// re-pull of an unchanged reference never touches the registry content.
package baseimg

import (
	"errors"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/maxdollinger/ember.io/internal/hypervisor"
)

const (
	kernelFileName = "vmlinux"
	rootfsFileName = "rootfs.ext4"
)

var (
	ErrInvalidReference = errors.New("invalid base image reference")
	ErrIncompleteBundle = errors.New("base image bundle is missing kernel or rootfs")
)

// Bundle is a resolved, locally cached base image.
type Bundle struct {
	Ref    string
	Digest digest.Digest
	Dir    string
}

func (b *Bundle) KernelPath() string {
	return filepath.Join(b.Dir, kernelFileName)
}

func (b *Bundle) RootFSPath() string {
	return filepath.Join(b.Dir, rootfsFileName)
}

// Images adapts the bundle to the hypervisor's boot input.
func (b *Bundle) Images() hypervisor.BaseImages {
	return hypervisor.BaseImages{
		KernelPath: b.KernelPath(),
		RootFSPath: b.RootFSPath(),
	}
}
