// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootcfg parses and rewrites the boot configuration shipped on the ESP.
package bootcfg

import (
	"slices"
	"strings"

	"github.com/siderolabs/go-procfs/procfs"
)

// CryptDeviceParameter is the kernel parameter read by the encrypt hook.
const CryptDeviceParameter = "cryptdevice"

// EncryptedMarker is appended to the labels of the patched boot entries.
const EncryptedMarker = " (encrypted)"

// KernelArgs is a kernel command line.
//
// Repeated parameters are grouped at the position of their first occurrence.
type KernelArgs struct {
	params procfs.Parameters
}

// ParseKernelArgs splits a kernel command line.
func ParseKernelArgs(s string) KernelArgs {
	return KernelArgs{params: procfs.NewCmdline(s).Parameters}
}

// String implements fmt.Stringer.
func (a KernelArgs) String() string {
	return a.params.String()
}

// Has reports whether the parameter key is present.
func (a KernelArgs) Has(key string) bool {
	return a.index(key) >= 0
}

func (a KernelArgs) index(key string) int {
	return slices.IndexFunc(a.params, func(p *procfs.Parameter) bool { return p.Key() == key })
}

// Set replaces every value of the key, or inserts key=value ahead of the before parameter.
//
// Without the before parameter the argument is appended.
func (a KernelArgs) Set(key, value, before string) KernelArgs {
	param := procfs.NewParameter(key).Append(value)
	out := slices.Clone(a.params)

	if i := a.index(key); i >= 0 {
		out[i] = param

		return KernelArgs{params: out}
	}

	if i := a.index(before); before != "" && i >= 0 {
		return KernelArgs{params: slices.Insert(out, i, param)}
	}

	return KernelArgs{params: append(out, param)}
}

// CryptPatch is the rewrite applied to persistence boot entries when encryption is enabled.
type CryptPatch struct {
	// CryptDevice is the value of the cryptdevice parameter, UUID=<uuid>:<mapper>.
	CryptDevice string
	// OverlayParameter names the kernel parameter selecting the persistence device.
	OverlayParameter string
}

// Matches reports whether a command line belongs to a persistence entry.
func (p CryptPatch) Matches(args KernelArgs) bool {
	return args.Has(p.OverlayParameter)
}

// Args rewrites the command line.
func (p CryptPatch) Args(args KernelArgs) KernelArgs {
	return args.Set(CryptDeviceParameter, p.CryptDevice, p.OverlayParameter)
}

// Label appends the encrypted marker once.
func (p CryptPatch) Label(label string) string {
	if strings.HasSuffix(label, EncryptedMarker) {
		return label
	}

	return label + EncryptedMarker
}
