// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package medium decodes the descriptor embedded in the source image.
package medium

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// DescriptorPath is the location of the descriptor relative to the image root.
const DescriptorPath = "liveusb/descriptor.yaml"

// SupportedVersion is the only descriptor version understood.
const SupportedVersion = "1"

// Overlay directory names inside the persistence skeleton.
const (
	UpperDir = "upperdir"
	WorkDir  = "workdir"
)

// Tokens are the placeholders substituted in template files.
type Tokens struct {
	FSLabel          string `yaml:"fsLabel"`
	ESPLabel         string `yaml:"espLabel"`
	PersistenceLabel string `yaml:"persistenceLabel"`
}

// CopySpec copies Source (relative to the overlay root) to Target (relative to the ESP).
type CopySpec struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Descriptor is the medium descriptor.
type Descriptor struct {
	Version              string     `yaml:"version"`
	Label                string     `yaml:"label"`
	InstallDir           string     `yaml:"installDir"`
	RootfsImage          string     `yaml:"rootfsImage"`
	ESPDir               string     `yaml:"espDir"`
	PersistenceDir       string     `yaml:"persistenceDir"`
	Tokens               Tokens     `yaml:"tokens"`
	BootTemplates        []string   `yaml:"bootTemplates"`
	PersistenceTemplates []string   `yaml:"persistenceTemplates"`
	LoaderEntry          string     `yaml:"loaderEntry"`
	SyslinuxConfig       string     `yaml:"syslinuxConfig"`
	OverlayParameter     string     `yaml:"overlayParameter"`
	Initramfs            []CopySpec `yaml:"initramfs"`
}

// Decode parses and validates a descriptor.
func Decode(r io.Reader) (*Descriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var d Descriptor

	if err := dec.Decode(&d); err != nil {
		return nil, provision.Invalidf("failed to decode medium descriptor: %v", err)
	}

	if d.OverlayParameter == "" {
		d.OverlayParameter = "cow_label"
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &d, nil
}

// Load reads the descriptor of the image mounted at root.
func Load(root string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(root, DescriptorPath))
	if err != nil {
		return nil, provision.Invalidf("image has no medium descriptor: %v", err)
	}

	return Decode(bytes.NewReader(data))
}

// Validate checks the version and that every path stays inside its tree.
func (d *Descriptor) Validate() error {
	if d.Version != SupportedVersion {
		return provision.Invalidf("unsupported medium version %q, expected %q", d.Version, SupportedVersion)
	}

	if d.Label == "" {
		return provision.Invalidf("medium descriptor has no label")
	}

	required := map[string]string{
		"installDir":     d.InstallDir,
		"rootfsImage":    d.RootfsImage,
		"espDir":         d.ESPDir,
		"persistenceDir": d.PersistenceDir,
		"loaderEntry":    d.LoaderEntry,
		"syslinuxConfig": d.SyslinuxConfig,
	}

	for field, value := range required {
		if value == "" {
			return provision.Invalidf("medium descriptor field %q is empty", field)
		}
	}

	paths := []string{d.InstallDir, d.RootfsImage, d.ESPDir, d.PersistenceDir, d.LoaderEntry, d.SyslinuxConfig}
	paths = append(paths, d.BootTemplates...)
	paths = append(paths, d.PersistenceTemplates...)

	for _, c := range d.Initramfs {
		paths = append(paths, c.Source, c.Target)
	}

	for _, p := range paths {
		if !Local(p) {
			return provision.Invalidf("medium descriptor path %q escapes its tree", p)
		}
	}

	return nil
}

// Local reports whether p is a non-empty relative path which stays below its root.
func Local(p string) bool {
	if p == "" || path.IsAbs(p) {
		return false
	}

	clean := path.Clean(p)

	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// TokenValues maps the placeholder tokens to the target labels.
func (d *Descriptor) TokenValues(labels provision.Labels) map[string]string {
	values := map[string]string{}

	if d.Tokens.FSLabel != "" {
		values[d.Tokens.FSLabel] = labels.Root
	}

	if d.Tokens.ESPLabel != "" {
		values[d.Tokens.ESPLabel] = labels.ESP
	}

	if d.Tokens.PersistenceLabel != "" {
		values[d.Tokens.PersistenceLabel] = labels.Persistence
	}

	return values
}

// String implements fmt.Stringer.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (medium v%s)", d.Label, d.Version)
}
