// Copyright 2025 The crashstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fingerprint

import "strconv"

// BandKeys splits a signature into Options.Bands contiguous word groups and
// returns one opaque key per band. Two signatures share at least one band
// key with high probability when their similarity is at or above the
// aggregation threshold, so an index keyed by band keys prunes the
// candidate set for similarity scans to near-misses only.
//
// Returns nil for signatures that are not valid hashes.
func (f *Fingerprinter) BandKeys(sig string) []string {
	if !f.IsValidHash(sig) {
		return nil
	}
	bands := f.opts.Bands
	if f.opts.HashCount%bands != 0 {
		bands = 1
	}
	width := len(sig) / bands

	keys := make([]string, 0, bands)
	for b := 0; b < bands; b++ {
		keys = append(keys, strconv.Itoa(b)+":"+sig[b*width:(b+1)*width])
	}
	return keys
}
