// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the liveusb command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/bootloader/syslinux"
	"github.com/siderolabs/liveusb/internal/pkg/encryption"
	"github.com/siderolabs/liveusb/internal/pkg/partition"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
	"github.com/siderolabs/liveusb/internal/pkg/session"
	"github.com/siderolabs/liveusb/internal/pkg/validate"
	"github.com/siderolabs/liveusb/pkg/cli"
	"github.com/siderolabs/liveusb/pkg/logging"
)

var cmdFlags struct {
	encrypt         bool
	noJournal       bool
	f2fs            bool
	raw             bool
	debug           bool
	bootSize        string
	persistenceSize string
	label           string
	espLabel        string
	persistenceLbl  string
	mapperName      string
	cipher          string
	mbrStub         string
	settleDelay     time.Duration
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "liveusb [flags] <image> <device>",
	Short: "Provision a persistent live USB drive from a live image",
	Long: `liveusb partitions a removable USB device, copies the live image onto it and sets up
overlay persistence, optionally inside an encrypted container.

The image and the device may be given in either order.`,
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(args, os.Stat)
		if err != nil {
			return err
		}

		logger := logging.Diagnostics(cmd.ErrOrStderr(), cmdFlags.debug).With(logging.Component("liveusb"))
		defer logger.Sync() //nolint:errcheck

		return cli.WithContext(cmd.Context(), cmd.ErrOrStderr(), func(ctx context.Context) error {
			return run(ctx, req, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

// Execute runs the root command, the returned error is already reported.
func Execute() error {
	return execute(rootCmd, os.Args[1:])
}

func execute(cmd *cobra.Command, args []string) error {
	cmd.SetArgs(args)

	c, err := cmd.ExecuteContextC(context.Background())
	if err == nil || errors.Is(err, provision.ErrCancelled) {
		if err != nil {
			fmt.Fprintln(c.OutOrStdout(), "Aborted, the device was not modified.") //nolint:errcheck
		}

		return nil
	}

	fmt.Fprintln(c.ErrOrStderr(), "Error:", err) //nolint:errcheck

	if wantsUsage(err) {
		fmt.Fprintf(c.ErrOrStderr(), "\n%s", c.UsageString()) //nolint:errcheck
	}

	return err
}

// wantsUsage matches bad input: argument errors cobra returns as plain strings,
// and validation failures reported before the device was touched.
func wantsUsage(err error) bool {
	var serr *provision.StageError

	if errors.As(err, &serr) {
		return !serr.Stage.Destructive() && provision.IsValidation(err)
	}

	return !errors.Is(err, context.Canceled)
}

func buildRequest(args []string, stat validate.StatFunc) (provision.Request, error) {
	image, device, err := validate.ClassifyArgs(args, stat)
	if err != nil {
		return provision.Request{}, err
	}

	bootSize, err := provision.ParseSize(cmdFlags.bootSize)
	if err != nil {
		return provision.Request{}, err
	}

	persistenceSize, err := provision.ParseSize(cmdFlags.persistenceSize)
	if err != nil {
		return provision.Request{}, err
	}

	fs := provision.FilesystemExt4
	if cmdFlags.f2fs {
		fs = provision.FilesystemF2FS
	}

	req := provision.Request{
		ImagePath:       image,
		DevicePath:      device,
		Encrypt:         cmdFlags.encrypt,
		DisableJournal:  cmdFlags.noJournal,
		Raw:             cmdFlags.raw,
		Filesystem:      fs,
		BootSize:        bootSize,
		PersistenceSize: persistenceSize,
		Labels: provision.Labels{
			Root:        cmdFlags.label,
			ESP:         cmdFlags.espLabel,
			Persistence: cmdFlags.persistenceLbl,
		},
		MapperName: cmdFlags.mapperName,
		Cipher:     cmdFlags.cipher,
	}

	return req, req.Validate()
}

func run(ctx context.Context, req provision.Request, logger *zap.Logger, in io.Reader, out io.Writer) error {
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithPrintf(logging.Status(out)),
		session.WithUI(session.StreamUI{In: in, Out: out}),
		session.WithPartitionOptions(partition.WithSettleDelay(cmdFlags.settleDelay)),
	}

	if cmdFlags.mbrStub != "" {
		opts = append(opts, session.WithBootLoaderOptions(syslinux.WithStub(cmdFlags.mbrStub)))
	}

	return session.New(opts...).Run(ctx, req)
}

func init() {
	flags := rootCmd.Flags()

	flags.BoolVarP(&cmdFlags.encrypt, "encrypt", "e", false, "encrypt the persistence partition")
	flags.BoolVarP(&cmdFlags.noJournal, "no-journal", "j", false, "remove the journal from the ext4 filesystems")
	flags.BoolVarP(&cmdFlags.f2fs, "f2fs", "f", false, "use f2fs for the persistence partition")
	flags.BoolVarP(&cmdFlags.raw, "raw", "r", false, "write the image byte for byte, without persistence")
	flags.StringVarP(&cmdFlags.bootSize, "boot-size", "b", "", "boot partition size, in GiB unless a unit is given (default 512MiB)")
	flags.StringVarP(&cmdFlags.persistenceSize, "persistence-size", "p", "", "persistence partition size, in GiB unless a unit is given (default: remaining space)")
	flags.StringVar(&cmdFlags.label, "label", "LIVE_USB", "filesystem label of the live partition")
	flags.StringVar(&cmdFlags.espLabel, "esp-label", "LIVE_ESP", "filesystem label of the boot partition")
	flags.StringVar(&cmdFlags.persistenceLbl, "persistence-label", "LIVE_PERSIST", "filesystem and container label of the persistence partition")
	flags.StringVar(&cmdFlags.mapperName, "mapper-name", "liveusb", "device mapper name of the opened container")
	flags.StringVar(&cmdFlags.cipher, "cipher", encryption.DefaultCipher, "cipher of the encrypted container")
	flags.StringVar(&cmdFlags.mbrStub, "mbr-stub", "", "path to "+syslinux.StubName+" (searched in the syslinux directories by default)")
	flags.DurationVar(&cmdFlags.settleDelay, "settle-delay", partition.DefaultSettleDelay, "pause after each partition table change")
	flags.BoolVar(&cmdFlags.debug, "debug", false, "log every executed command to stderr")
}
