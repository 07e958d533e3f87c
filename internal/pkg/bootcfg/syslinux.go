// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootcfg

import (
	"bytes"
	"fmt"
	"strings"
)

// SyslinuxDirective is one line of a syslinux config.
type SyslinuxDirective struct {
	Indent  string
	Keyword string
	Args    string

	// Raw holds comments and blank lines.
	Raw string
}

// Is reports whether the directive is keyword, case-insensitively.
func (d SyslinuxDirective) Is(keyword string) bool {
	return strings.EqualFold(d.Keyword, keyword)
}

func (d SyslinuxDirective) String() string {
	if d.Keyword == "" {
		return d.Raw
	}

	if d.Args == "" {
		return d.Indent + d.Keyword
	}

	return d.Indent + d.Keyword + " " + d.Args
}

// SyslinuxLabel is a LABEL block and the directives following it.
type SyslinuxLabel struct {
	Label      SyslinuxDirective
	Directives []SyslinuxDirective
}

// Name returns the label name.
func (l *SyslinuxLabel) Name() string {
	return l.Label.Args
}

// SyslinuxConfig is a parsed syslinux configuration file.
type SyslinuxConfig struct {
	Global []SyslinuxDirective
	Labels []*SyslinuxLabel
}

// DecodeSyslinux parses a syslinux config.
func DecodeSyslinux(data []byte) *SyslinuxConfig {
	cfg := &SyslinuxConfig{}

	var current *SyslinuxLabel

	for _, line := range splitLines(data) {
		d := parseDirective(line)

		if d.Is("LABEL") {
			current = &SyslinuxLabel{Label: d}
			cfg.Labels = append(cfg.Labels, current)

			continue
		}

		if current == nil {
			cfg.Global = append(cfg.Global, d)
		} else {
			current.Directives = append(current.Directives, d)
		}
	}

	return cfg
}

func parseDirective(line string) SyslinuxDirective {
	trimmed := strings.TrimLeft(line, " \t")

	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return SyslinuxDirective{Raw: line}
	}

	indent := line[:len(line)-len(trimmed)]

	keyword, args := cutField(trimmed)

	// MENU takes a sub-keyword
	if strings.EqualFold(keyword, "MENU") {
		sub, rest := cutField(strings.TrimLeft(args, " \t"))
		keyword += " " + sub
		args = rest
	}

	return SyslinuxDirective{Indent: indent, Keyword: keyword, Args: strings.TrimSpace(args)}
}

// Encode renders the config.
func (c *SyslinuxConfig) Encode() []byte {
	var buf bytes.Buffer

	write := func(d SyslinuxDirective) {
		buf.WriteString(d.String())
		buf.WriteByte('\n')
	}

	for _, d := range c.Global {
		write(d)
	}

	for _, l := range c.Labels {
		write(l.Label)

		for _, d := range l.Directives {
			write(d)
		}
	}

	return buf.Bytes()
}

// Patch applies p to every label whose APPEND line carries the overlay parameter.
//
// It returns the number of patched labels.
func (c *SyslinuxConfig) Patch(p CryptPatch) int {
	patched := 0

	for _, l := range c.Labels {
		matched := false

		for i, d := range l.Directives {
			if !d.Is("APPEND") {
				continue
			}

			args := ParseKernelArgs(d.Args)
			if !p.Matches(args) {
				continue
			}

			l.Directives[i].Args = p.Args(args).String()
			matched = true
		}

		if !matched {
			continue
		}

		patched++

		for i, d := range l.Directives {
			if d.Is("MENU LABEL") {
				l.Directives[i].Args = p.Label(d.Args)
			}
		}
	}

	return patched
}

// PatchSyslinuxFile rewrites the syslinux config at path.
func PatchSyslinuxFile(path string, p CryptPatch) error {
	return rewriteFile(path, func(data []byte) ([]byte, error) {
		cfg := DecodeSyslinux(data)

		if cfg.Patch(p) == 0 {
			return nil, fmt.Errorf("no APPEND line with %q found in %s", p.OverlayParameter, path)
		}

		return cfg.Encode(), nil
	})
}
