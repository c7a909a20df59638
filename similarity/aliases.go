// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package similarity

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed cross_language_aliases.yaml
var defaultAliasYAML []byte

// aliasTable holds pairs of type-name substrings considered equivalent
// across languages (e.g. Rust "i32" and C-family "int"). match is
// symmetric and substring-based, mirroring the original calculator's
// closed alias list.
type aliasTable struct {
	pairs [][2]string
}

type aliasConfig struct {
	Aliases [][2]string `yaml:"aliases"`
}

// defaultAliasTable loads the embedded cross-language alias table. A
// malformed embedded file is a build-time defect, not a runtime one, so a
// parse failure here falls back to an empty table rather than panicking.
func defaultAliasTable() aliasTable {
	var cfg aliasConfig
	if err := yaml.Unmarshal(defaultAliasYAML, &cfg); err != nil {
		return aliasTable{}
	}
	return aliasTable{pairs: cfg.Aliases}
}

func (t aliasTable) match(norm1, norm2 string) bool {
	for _, pair := range t.pairs {
		t1, t2 := pair[0], pair[1]
		if (strings.Contains(norm1, t1) && strings.Contains(norm2, t2)) ||
			(strings.Contains(norm1, t2) && strings.Contains(norm2, t1)) {
			return true
		}
	}
	return false
}
