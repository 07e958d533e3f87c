// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package medium_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/liveusb/internal/pkg/medium"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

const descriptor = `version: "1"
label: ARCH_202601
installDir: arch
rootfsImage: arch/x86_64/airootfs.sfs
espDir: esp
persistenceDir: persistence
tokens:
  fsLabel: "%FS_LABEL%"
  espLabel: "%ESP_LABEL%"
  persistenceLabel: "%PERSISTENCE_LABEL%"
bootTemplates:
  - loader/entries/persistence.conf
  - syslinux/syslinux.cfg
persistenceTemplates:
  - upperdir/etc/fstab
loaderEntry: loader/entries/persistence.conf
syslinuxConfig: syslinux/syslinux.cfg
initramfs:
  - source: boot/initramfs-linux.img
    target: arch/boot/x86_64/initramfs-linux.img
`

func TestDecode(t *testing.T) {
	t.Parallel()

	d, err := medium.Decode(strings.NewReader(descriptor))
	require.NoError(t, err)

	assert.Equal(t, "ARCH_202601", d.Label)
	assert.Equal(t, "cow_label", d.OverlayParameter)
	assert.Equal(t, []medium.CopySpec{{Source: "boot/initramfs-linux.img", Target: "arch/boot/x86_64/initramfs-linux.img"}}, d.Initramfs)

	assert.Equal(t, map[string]string{
		"%FS_LABEL%":          "LIVE_USB",
		"%ESP_LABEL%":         "LIVE_ESP",
		"%PERSISTENCE_LABEL%": "LIVE_PERSIST",
	}, d.TokenValues(provision.Labels{Root: "LIVE_USB", ESP: "LIVE_ESP", Persistence: "LIVE_PERSIST"}))
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		doc  string
	}{
		{name: "version", doc: strings.Replace(descriptor, `version: "1"`, `version: "2"`, 1)},
		{name: "unknown field", doc: descriptor + "extra: true\n"},
		{name: "escaping path", doc: strings.Replace(descriptor, "espDir: esp", "espDir: ../../etc", 1)},
		{name: "absolute path", doc: strings.Replace(descriptor, "installDir: arch", "installDir: /arch", 1)},
		{name: "missing field", doc: strings.Replace(descriptor, "loaderEntry: loader/entries/persistence.conf\n", "", 1)},
		{name: "garbage", doc: "[not a descriptor"},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := medium.Decode(strings.NewReader(test.doc))
			require.Error(t, err)
			assert.True(t, provision.IsValidation(err))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	_, err := medium.Load(root)
	assert.True(t, provision.IsValidation(err))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "liveusb"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, medium.DescriptorPath), []byte(descriptor), 0o644))

	d, err := medium.Load(root)
	require.NoError(t, err)
	assert.Equal(t, "ARCH_202601 (medium v1)", d.String())
}

func TestLocal(t *testing.T) {
	t.Parallel()

	assert.True(t, medium.Local("a/b"))
	assert.True(t, medium.Local("a/../b"))
	assert.False(t, medium.Local("a/../../b"))
	assert.False(t, medium.Local(".."))
	assert.False(t, medium.Local("/etc"))
	assert.False(t, medium.Local(""))
}
