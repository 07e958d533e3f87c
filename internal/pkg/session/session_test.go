// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kdomanski/iso9660"
	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/liveusb/internal/pkg/geometry"
	"github.com/siderolabs/liveusb/internal/pkg/medium"
	"github.com/siderolabs/liveusb/internal/pkg/mount"
	"github.com/siderolabs/liveusb/internal/pkg/partition"
	"github.com/siderolabs/liveusb/internal/pkg/payload"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
	"github.com/siderolabs/liveusb/internal/pkg/rawcopy"
	"github.com/siderolabs/liveusb/internal/pkg/runner"
	"github.com/siderolabs/liveusb/internal/pkg/runner/runnertest"
	"github.com/siderolabs/liveusb/internal/pkg/session"
	"github.com/siderolabs/liveusb/internal/pkg/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// events is the ordered log of component invocations.
type events struct {
	log  []string
	fail map[string]error
	hook map[string]func()
}

func (e *events) record(format string, args ...any) error {
	event := fmt.Sprintf(format, args...)
	e.log = append(e.log, event)

	name := strings.Fields(event)[0]

	if f := e.hook[name]; f != nil {
		f()
	}

	return e.fail[name]
}

type fakeValidator struct {
	target validate.Target
	err    error
}

func (v fakeValidator) Validate(provision.Request) (validate.Target, error) {
	return v.target, v.err
}

type fakePartitioner struct{ *events }

func (p fakePartitioner) Write(_ context.Context, device string, g geometry.Geometry, _ provision.Labels) (partition.Layout, error) {
	return partition.LayoutFor(device), p.record("partition %s %s", device, humanize.IBytes(g.Boot().Size))
}

type fakeFormatter struct{ *events }

func (f fakeFormatter) Format(_ context.Context, devname string, opts *partition.FormatOptions) error {
	return f.record("format %s %s %s", devname, opts.FileSystemType, opts.Label)
}

type fakeEncryptor struct {
	*events

	open bool
}

func (e *fakeEncryptor) Format(context.Context) error {
	return e.record("luksFormat")
}

func (e *fakeEncryptor) Open(context.Context) (string, error) {
	if err := e.record("luksOpen"); err != nil {
		return "", err
	}

	e.open = true

	return "/dev/mapper/liveusb", nil
}

func (e *fakeEncryptor) Close(context.Context) error {
	if !e.open {
		return nil
	}

	e.open = false

	return e.record("luksClose")
}

func (e *fakeEncryptor) PatchBootConfig(loaderEntry, syslinuxCfg, overlay string) error {
	return e.record("patch %s %s %s", filepath.Base(loaderEntry), filepath.Base(syslinuxCfg), overlay)
}

type fakePayload struct {
	*events

	tree *mount.Tree
}

func (p fakePayload) Mount(image string, t payload.Targets) (*payload.Medium, error) {
	if err := p.record("mount %s %s %s", filepath.Base(image), t.Persistence, t.PersistenceFS); err != nil {
		return nil, err
	}

	p.tree.Push("fake mounts", func(context.Context) error {
		return p.record("unmount")
	})

	return &payload.Medium{
		Descriptor: &medium.Descriptor{
			Label:            "ARCH_202601",
			LoaderEntry:      "loader/entries/persistence.conf",
			SyslinuxConfig:   "syslinux/syslinux.cfg",
			OverlayParameter: "cow_label",
		},
		Image:       p.tree.Path("image"),
		Live:        p.tree.Path("live"),
		ESP:         p.tree.Path("esp"),
		Persistence: p.tree.Path("persistence"),
	}, nil
}

func (p fakePayload) CopyImage(context.Context, *payload.Medium) error {
	return p.record("copy")
}

func (p fakePayload) InstallESP(context.Context, *payload.Medium, provision.Labels) error {
	return p.record("esp")
}

func (p fakePayload) ConfigurePersistence(context.Context, *payload.Medium, provision.Labels) error {
	return p.record("persistence")
}

func (p fakePayload) RegenerateInitramfs(context.Context, *payload.Medium, provision.Labels) error {
	return p.record("initramfs")
}

type fakeBootLoader struct{ *events }

func (b fakeBootLoader) Install(_ context.Context, device, esp, directory string) error {
	return b.record("bootloader %s %s %s", device, esp, directory)
}

type answer struct {
	yes    bool
	asked  bool
	prompt string
}

func (a *answer) Confirm(prompt string) (bool, error) {
	a.asked = true
	a.prompt = prompt

	return a.yes, nil
}

type SessionSuite struct {
	suite.Suite

	events    *events
	answer    *answer
	target    validate.Target
	encryptor *fakeEncryptor
	status    []string
	treeRoot  string
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (suite *SessionSuite) SetupTest() {
	suite.events = &events{fail: map[string]error{}, hook: map[string]func(){}}
	suite.answer = &answer{yes: true}
	suite.encryptor = &fakeEncryptor{events: suite.events}
	suite.status = nil
	suite.treeRoot = suite.T().TempDir()
	suite.target = validate.Target{
		Image:     "/images/arch.iso",
		ImageSize: humanize.GiByte,
		Device: validate.DeviceInfo{
			Path:       "/dev/sdb",
			Size:       16 * humanize.GiByte,
			SectorSize: 512,
			Vendor:     "SanDisk",
			Model:      "Ultra",
		},
	}
}

func (suite *SessionSuite) controller(extra ...session.Option) *session.Controller {
	opts := []session.Option{
		session.WithLogger(zaptest.NewLogger(suite.T())),
		session.WithPrintf(func(format string, args ...any) {
			suite.status = append(suite.status, fmt.Sprintf(format, args...))
		}),
		session.WithUI(suite.answer),
		session.WithValidator(fakeValidator{target: suite.target}),
		session.WithPartitioner(fakePartitioner{suite.events}),
		session.WithFormatter(fakeFormatter{suite.events}),
		session.WithBootLoader(fakeBootLoader{suite.events}),
		session.WithRawWriter(func(_ context.Context, image, device string, capacity uint64) error {
			return suite.events.record("raw %s %s %s", image, device, humanize.IBytes(capacity))
		}),
		session.WithEncryptor(func(device string, _ provision.Request) (session.Encryptor, error) {
			if err := suite.events.record("encryptor %s", device); err != nil {
				return nil, err
			}

			return suite.encryptor, nil
		}),
		session.WithPayload(func(tree *mount.Tree) session.Payload {
			return fakePayload{events: suite.events, tree: tree}
		}),
		session.WithTreeOptions(mount.WithParent(suite.treeRoot), mount.WithLogger(zaptest.NewLogger(suite.T()))),
	}

	return session.New(append(opts, extra...)...)
}

func request() provision.Request {
	return provision.Request{
		ImagePath:  "/images/arch.iso",
		DevicePath: "/dev/sdb",
		Filesystem: provision.FilesystemExt4,
		Labels:     provision.Labels{Root: "LIVE_USB", ESP: "LIVE_ESP", Persistence: "LIVE_PERSIST"},
		MapperName: "liveusb",
		Cipher:     "aes-xts-plain64",
	}
}

func (suite *SessionSuite) assertTreeRemoved() {
	entries, err := filepath.Glob(filepath.Join(suite.treeRoot, "*"))
	suite.Require().NoError(err)
	suite.Assert().Empty(entries, "working tree was not removed")
}

func (suite *SessionSuite) TestProvision() {
	suite.Require().NoError(suite.controller().Run(suite.T().Context(), request()))

	suite.Assert().Equal([]string{
		"partition /dev/sdb 512 MiB",
		"format /dev/sdb1 ext4 LIVE_USB",
		"format /dev/sdb2 vfat LIVE_ESP",
		"format /dev/sdb3 ext4 LIVE_PERSIST",
		"mount arch.iso /dev/sdb3 ext4",
		"copy",
		"esp",
		"persistence",
		"unmount",
		"bootloader /dev/sdb /dev/sdb2 syslinux",
	}, suite.events.log)

	suite.Assert().True(suite.answer.asked)
	suite.Assert().Contains(suite.answer.prompt, "/dev/sdb")
	suite.Assert().Contains(suite.status, "target device: /dev/sdb (SanDisk Ultra, 16 GiB)")
	suite.Assert().Contains(suite.status, "/dev/sdb is ready")
	suite.assertTreeRemoved()
}

func (suite *SessionSuite) TestProvisionEncrypted() {
	req := request()
	req.Encrypt = true
	req.Filesystem = provision.FilesystemF2FS

	suite.Require().NoError(suite.controller().Run(suite.T().Context(), req))

	suite.Assert().Equal([]string{
		"partition /dev/sdb 512 MiB",
		"format /dev/sdb1 ext4 LIVE_USB",
		"format /dev/sdb2 vfat LIVE_ESP",
		"encryptor /dev/sdb3",
		"luksFormat",
		"luksOpen",
		"format /dev/mapper/liveusb f2fs LIVE_PERSIST",
		"mount arch.iso /dev/mapper/liveusb f2fs",
		"copy",
		"esp",
		"patch persistence.conf syslinux.cfg cow_label",
		"persistence",
		"initramfs",
		"unmount",
		"bootloader /dev/sdb /dev/sdb2 syslinux",
		"luksClose",
	}, suite.events.log)

	suite.Assert().False(suite.encryptor.open)
	suite.assertTreeRemoved()
}

func (suite *SessionSuite) TestRawMode() {
	req := request()
	req.Raw = true

	suite.Require().NoError(suite.controller().Run(suite.T().Context(), req))

	suite.Assert().Equal([]string{"raw /images/arch.iso /dev/sdb 16 GiB"}, suite.events.log)
	suite.assertTreeRemoved()
}

func (suite *SessionSuite) TestRawModeImageTooLarge() {
	req := request()
	req.Raw = true
	suite.target.ImageSize = 32 * humanize.GiByte

	err := suite.controller().Run(suite.T().Context(), req)
	suite.Require().ErrorIs(err, rawcopy.ErrImageTooLarge)

	var serr *provision.StageError

	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(provision.StageGeometry, serr.Stage)
	suite.Assert().False(suite.answer.asked)
	suite.Assert().Empty(suite.events.log)
	suite.Assert().NotContains(suite.status, "WARNING: /dev/sdb was left in an indeterminate state")
}

// TestRawModeInvokesNoTools wires the real components to a recording runner.
func (suite *SessionSuite) TestRawModeInvokesNoTools() {
	var recorder runnertest.Recorder

	req := request()
	req.Raw = true

	ctrl := suite.controller(
		session.WithPartitioner(partition.NewWriter(partition.WithRunner(&recorder))),
		session.WithFormatter(partition.NewFormatter(partition.WithRunner(&recorder))),
	)

	suite.Require().NoError(ctrl.Run(suite.T().Context(), req))

	for _, name := range recorder.Names() {
		suite.Assert().NotContains([]string{"sgdisk", "wipefs", "mkfs.ext4", "mkfs.fat", "mkfs.f2fs", "cryptsetup", "cp"}, name)
	}

	suite.Assert().NotContains(suite.events.log, "encryptor /dev/sdb3")
}

func (suite *SessionSuite) TestCancelled() {
	suite.answer.yes = false

	err := suite.controller().Run(suite.T().Context(), request())
	suite.Require().ErrorIs(err, provision.ErrCancelled)

	suite.Assert().Empty(suite.events.log)
	suite.Assert().NotContains(suite.status, "WARNING: /dev/sdb was left in an indeterminate state")
	suite.assertTreeRemoved()
}

func (suite *SessionSuite) TestValidationFailure() {
	validationErr := provision.Invalidf("/dev/sdb is not removable")

	err := suite.controller(session.WithValidator(fakeValidator{err: validationErr})).Run(suite.T().Context(), request())

	var serr *provision.StageError

	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(provision.StageValidate, serr.Stage)
	suite.Assert().True(provision.IsValidation(err))
	suite.Assert().False(suite.answer.asked)
	suite.Assert().Empty(suite.events.log)
}

func (suite *SessionSuite) TestCapacityErrorBeforeAnyWrite() {
	req := request()
	req.PersistenceSize = 20 * humanize.GiByte

	err := suite.controller().Run(suite.T().Context(), req)
	suite.Require().ErrorIs(err, geometry.ErrInsufficientCapacity)

	var serr *provision.StageError

	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(provision.StageGeometry, serr.Stage)
	suite.Assert().False(suite.answer.asked)
	suite.Assert().Empty(suite.events.log)
}

func (suite *SessionSuite) TestFailureIsFatalAndCleansUp() {
	for _, tc := range []struct {
		fail  string
		stage provision.Stage
		last  string
	}{
		{"partition", provision.StagePartition, "partition /dev/sdb 512 MiB"},
		{"luksOpen", provision.StageEncrypt, "luksOpen"},
		{"copy", provision.StageCopy, "luksClose"},
		{"initramfs", provision.StagePersistence, "luksClose"},
		{"bootloader", provision.StageBootloader, "luksClose"},
	} {
		suite.Run(tc.fail, func() {
			suite.SetupTest()

			failure := &runner.CommandError{Name: tc.fail, Err: errors.New("exit status 1")}
			suite.events.fail[tc.fail] = failure

			req := request()
			req.Encrypt = true

			err := suite.controller().Run(suite.T().Context(), req)
			suite.Require().ErrorIs(err, failure)

			var serr *provision.StageError

			suite.Require().ErrorAs(err, &serr)
			suite.Assert().Equal(tc.stage, serr.Stage)

			suite.Assert().Equal(tc.last, suite.events.log[len(suite.events.log)-1])
			suite.Assert().Contains(suite.status, "WARNING: /dev/sdb was left in an indeterminate state")
			suite.Assert().False(suite.encryptor.open, "mapping must be closed")
			suite.assertTreeRemoved()
		})
	}
}

func (suite *SessionSuite) TestInterruptFinishesRunningStep() {
	ctx, cancel := context.WithCancel(suite.T().Context())
	defer cancel()

	suite.events.hook["partition"] = cancel

	err := suite.controller().Run(ctx, request())
	suite.Require().ErrorIs(err, context.Canceled)

	var serr *provision.StageError

	suite.Require().ErrorAs(err, &serr)
	suite.Assert().Equal(provision.StageFormat, serr.Stage)

	suite.Assert().Equal([]string{"partition /dev/sdb 512 MiB"}, suite.events.log)
	suite.Assert().Contains(suite.status, "WARNING: /dev/sdb was left in an indeterminate state")
	suite.assertTreeRemoved()
}

type blockDevice string

func (d blockDevice) Name() string       { return filepath.Base(string(d)) }
func (d blockDevice) Size() int64        { return 0 }
func (d blockDevice) Mode() fs.FileMode  { return fs.ModeDevice }
func (d blockDevice) ModTime() time.Time { return time.Time{} }
func (d blockDevice) IsDir() bool        { return false }
func (d blockDevice) Sys() any           { return nil }

// liveImage writes a hybrid ISO whose medium descriptor declares version.
func (suite *SessionSuite) liveImage(version string) string {
	w, err := iso9660.NewWriter()
	suite.Require().NoError(err)

	defer w.Cleanup() //nolint:errcheck

	suite.Require().NoError(w.AddFile(strings.NewReader(fmt.Sprintf(`version: %q
label: ARCH_202601
installDir: arch
rootfsImage: arch/x86_64/airootfs.sfs
espDir: esp
persistenceDir: persistence
loaderEntry: loader/entries/persistence.conf
syslinuxConfig: syslinux/syslinux.cfg
`, version)), "liveusb/descriptor.yaml"))

	path := filepath.Join(suite.T().TempDir(), "arch.iso")

	f, err := os.Create(path)
	suite.Require().NoError(err)

	suite.Require().NoError(w.WriteTo(f, "ARCH_202601"))

	_, err = f.WriteAt([]byte{0x55, 0xAA}, 510)
	suite.Require().NoError(err)
	suite.Require().NoError(f.Close())

	return path
}

// hostValidator is the real validator looking at a removable USB disk sdb.
func (suite *SessionSuite) hostValidator() session.Validator {
	root := suite.T().TempDir()

	devDir := filepath.Join(root, "devices", "pci0000:00", "0000:00:14.0", "usb1", "1-1", "block", "sdb")
	suite.Require().NoError(os.MkdirAll(devDir, 0o755))
	suite.Require().NoError(os.WriteFile(filepath.Join(devDir, "removable"), []byte("1\n"), 0o644))
	suite.Require().NoError(os.MkdirAll(filepath.Join(root, "class", "block"), 0o755))
	suite.Require().NoError(os.Symlink(devDir, filepath.Join(root, "class", "block", "sdb")))

	return validate.New(
		validate.WithSysfsRoot(root),
		validate.WithGeteuid(func() int { return 0 }),
		validate.WithLookPath(func(name string) (string, error) { return "/usr/bin/" + name, nil }),
		validate.WithMounts(func() ([]*mountinfo.Info, error) { return nil, nil }),
		validate.WithProbe(func(string) (uint64, uint, error) { return 16 * humanize.GiByte, 512, nil }),
		validate.WithStat(func(path string) (os.FileInfo, error) {
			if strings.HasPrefix(path, "/dev/") {
				return blockDevice(path), nil
			}

			return os.Stat(path)
		}),
	)
}

func (suite *SessionSuite) TestMediumCompatibility() {
	for _, tc := range []struct {
		version string
		err     string
	}{
		{"1", ""},
		{"2", `unsupported medium version "2"`},
	} {
		suite.Run(tc.version, func() {
			suite.SetupTest()

			req := request()
			req.ImagePath = suite.liveImage(tc.version)

			err := suite.controller(session.WithValidator(suite.hostValidator())).Run(suite.T().Context(), req)

			if tc.err == "" {
				suite.Require().NoError(err)
				suite.Assert().Contains(suite.status[1], "ARCH_202601 (medium v1)")

				return
			}

			suite.Require().ErrorContains(err, tc.err)

			var serr *provision.StageError

			suite.Require().ErrorAs(err, &serr)
			suite.Assert().Equal(provision.StageValidate, serr.Stage)
			suite.Assert().False(suite.answer.asked)
			suite.Assert().Empty(suite.events.log, "nothing may run for an incompatible medium")
			suite.Assert().NotContains(suite.status, "WARNING: /dev/sdb was left in an indeterminate state")
		})
	}
}

func TestStreamUI(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected bool
	}{
		{"yes\n", true},
		{"Y\n", true},
		{"  yes  \n", true},
		{"no\n", false},
		{"\n", false},
		{"", false},
		{"yesterday\n", false},
	} {
		var out strings.Builder

		ok, err := session.StreamUI{In: strings.NewReader(tc.input), Out: &out}.Confirm("Continue?")
		require.NoError(t, err)

		assert.Equal(t, tc.expected, ok, "input %q", tc.input)
		assert.Equal(t, "Continue? (yes/no): ", out.String())
	}
}
