// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootcfg

import (
	"bytes"
	"fmt"
	"strings"
)

// LoaderEntryLine is one line of a boot loader entry.
//
// Comments and blank lines have an empty Key and are kept verbatim in Raw.
type LoaderEntryLine struct {
	Key   string
	Value string
	Raw   string
}

// LoaderEntry is a boot loader specification entry ("key value" lines).
type LoaderEntry struct {
	Lines []LoaderEntryLine
}

// DecodeLoaderEntry parses a loader entry.
func DecodeLoaderEntry(data []byte) *LoaderEntry {
	entry := &LoaderEntry{}

	for _, line := range splitLines(data) {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			entry.Lines = append(entry.Lines, LoaderEntryLine{Raw: line})

			continue
		}

		key, value := cutField(trimmed)

		entry.Lines = append(entry.Lines, LoaderEntryLine{Key: key, Value: strings.TrimSpace(value)})
	}

	return entry
}

// Get returns the first value of key.
func (e *LoaderEntry) Get(key string) (string, bool) {
	for _, l := range e.Lines {
		if l.Key == key {
			return l.Value, true
		}
	}

	return "", false
}

// Encode renders the entry.
func (e *LoaderEntry) Encode() []byte {
	var buf bytes.Buffer

	for _, l := range e.Lines {
		if l.Key == "" {
			buf.WriteString(l.Raw)
		} else {
			fmt.Fprintf(&buf, "%s %s", l.Key, l.Value)
		}

		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

// Patch applies p to the options lines carrying the overlay parameter and marks the title.
//
// It returns false when the entry has no persistence options line.
func (e *LoaderEntry) Patch(p CryptPatch) bool {
	patched := false

	for i, l := range e.Lines {
		if l.Key != "options" {
			continue
		}

		args := ParseKernelArgs(l.Value)
		if !p.Matches(args) {
			continue
		}

		e.Lines[i].Value = p.Args(args).String()
		patched = true
	}

	if !patched {
		return false
	}

	for i, l := range e.Lines {
		if l.Key == "title" {
			e.Lines[i].Value = p.Label(l.Value)

			break
		}
	}

	return true
}

// PatchLoaderEntryFile rewrites the loader entry at path.
func PatchLoaderEntryFile(path string, p CryptPatch) error {
	return rewriteFile(path, func(data []byte) ([]byte, error) {
		entry := DecodeLoaderEntry(data)

		if !entry.Patch(p) {
			return nil, fmt.Errorf("no options line with %q found in %s", p.OverlayParameter, path)
		}

		return entry.Encode(), nil
	})
}
