// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package validate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/siderolabs/liveusb/internal/pkg/medium"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// Boot sector signature of an isohybrid image.
const (
	bootSignatureOffset = 510
	bootSignature0      = 0x55
	bootSignature1      = 0xAA
)

var errNoBootSignature = errors.New("no boot sector signature")

// Image is a probed source image.
type Image struct {
	Size uint64

	// Descriptor is only set when it was requested from ProbeImage.
	Descriptor *medium.Descriptor
}

// ProbeImage checks that path is a hybrid ISO 9660 image.
//
// With withDescriptor set, the medium descriptor is read from the image and decoded,
// so an incompatible medium is refused without mounting anything.
func ProbeImage(path string, withDescriptor bool) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, err
	}

	defer f.Close() //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return Image{}, err
	}

	if !st.Mode().IsRegular() {
		return Image{}, fmt.Errorf("%s is not a regular file", path)
	}

	if err = checkBootSignature(f); err != nil {
		return Image{}, err
	}

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return Image{}, fmt.Errorf("not an ISO 9660 image: %w", err)
	}

	root, err := img.RootDir()
	if err != nil {
		return Image{}, fmt.Errorf("not an ISO 9660 image: %w", err)
	}

	result := Image{Size: uint64(st.Size())}

	if !withDescriptor {
		return result, nil
	}

	descriptor, err := lookup(root, medium.DescriptorPath)
	if err != nil {
		return Image{}, provision.Invalidf("image has no medium descriptor: %v", err)
	}

	if result.Descriptor, err = medium.Decode(descriptor.Reader()); err != nil {
		return Image{}, err
	}

	return result, nil
}

// lookup walks a slash separated path below dir.
//
// Names are matched case-insensitively, plain ISO 9660 names are upper case.
func lookup(dir *iso9660.File, p string) (*iso9660.File, error) {
	current := dir

	for _, name := range strings.Split(p, "/") {
		if !current.IsDir() {
			return nil, fmt.Errorf("%q: not a directory", p)
		}

		children, err := current.GetChildren()
		if err != nil {
			return nil, err
		}

		var next *iso9660.File

		for _, child := range children {
			if strings.EqualFold(child.Name(), name) {
				next = child

				break
			}
		}

		if next == nil {
			return nil, fmt.Errorf("%q: %w", p, os.ErrNotExist)
		}

		current = next
	}

	if current.IsDir() {
		return nil, fmt.Errorf("%q: is a directory", p)
	}

	return current, nil
}

func checkBootSignature(r io.ReaderAt) error {
	var sig [2]byte

	if _, err := r.ReadAt(sig[:], bootSignatureOffset); err != nil {
		return fmt.Errorf("%w: %v", errNoBootSignature, err)
	}

	if sig[0] != bootSignature0 || sig[1] != bootSignature1 {
		return errNoBootSignature
	}

	return nil
}
