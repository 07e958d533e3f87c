// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootcfg

import (
	"cmp"
	"maps"
	"regexp"
	"slices"
	"strings"
)

// Substitution replaces the image placeholders in template files.
type Substitution struct {
	// Tokens maps placeholder tokens to their replacement.
	Tokens map[string]string

	// ImageLabel assignments (=<ImageLabel>) are rewritten to TargetLabel.
	ImageLabel  string
	TargetLabel string
}

// Apply returns data with the substitution applied.
func (s Substitution) Apply(data []byte) []byte {
	out := string(data)

	tokens := slices.SortedFunc(maps.Keys(s.Tokens), func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), cmp.Compare(a, b))
	})

	for _, token := range tokens {
		if token == "" {
			continue
		}

		out = strings.ReplaceAll(out, token, s.Tokens[token])
	}

	if s.ImageLabel != "" && s.ImageLabel != s.TargetLabel {
		re := regexp.MustCompile(`=` + regexp.QuoteMeta(s.ImageLabel) + `([^A-Za-z0-9_.-]|$)`)
		out = re.ReplaceAllString(out, "="+strings.ReplaceAll(s.TargetLabel, "$", "$$")+"${1}")
	}

	return []byte(out)
}

// SubstituteFile applies s to the file at path.
func SubstituteFile(path string, s Substitution) error {
	return rewriteFile(path, func(data []byte) ([]byte, error) {
		return s.Apply(data), nil
	})
}
