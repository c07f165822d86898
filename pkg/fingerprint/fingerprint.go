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

// Package fingerprint derives stable identities for errors via MinHash.
// Two errors with overlapping feature sets (message tokens, normalized
// stack frames, file names) produce signatures whose word-wise agreement
// estimates their Jaccard similarity, so "the same" error keeps one
// identity across noisy details like line numbers and interpolated values.
package fingerprint

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Five 31-bit primes used as per-slot moduli. The largest five below 2^31;
// any fixed set works, but changing them changes every stored fingerprint.
var primes = [5]uint64{
	2147483647,
	2147483629,
	2147483587,
	2147483579,
	2147483563,
}

const hexWordLen = 8

// Options tune the signature. The zero value selects the defaults noted on
// each field; all stored fingerprints for one deployment must share one
// Options value.
type Options struct {
	// HashCount is the number K of MinHash slots. Default 128.
	HashCount int
	// MaxFeatures caps the extracted feature set. Default 50.
	MaxFeatures int
	// MaxStackDepth caps the number of stack frames considered. Default 10.
	MaxStackDepth int
	// SimilarityThreshold is the banded-Jaccard score at and above which
	// ShouldAggregate reports true. Default 0.8.
	SimilarityThreshold float64
	// Bands is the number of LSH bands BandKeys splits a signature into.
	// Must divide HashCount. Default 32.
	Bands int
}

func (o Options) withDefaults() Options {
	if o.HashCount <= 0 {
		o.HashCount = 128
	}
	if o.MaxFeatures <= 0 {
		o.MaxFeatures = 50
	}
	if o.MaxStackDepth <= 0 {
		o.MaxStackDepth = 10
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.8
	}
	if o.Bands <= 0 {
		o.Bands = 32
	}
	return o
}

// Input is the raw material of a fingerprint.
type Input struct {
	Type     string
	Message  string
	Stack    string
	Filename string
}

// Fingerprinter computes and compares MinHash signatures. Safe for
// concurrent use.
type Fingerprinter struct {
	opts Options
}

// New returns a Fingerprinter with opts (zero fields filled with defaults).
func New(opts Options) *Fingerprinter {
	return &Fingerprinter{opts: opts.withDefaults()}
}

// Options returns the effective options.
func (f *Fingerprinter) Options() Options { return f.opts }

// Compute returns the hex signature for in. Deterministic: equal inputs
// yield equal signatures. An empty input still yields a signature of the
// regular length (all featureless errors collapse together).
func (f *Fingerprinter) Compute(in Input) string {
	features := extractFeatures(in, f.opts)
	if len(features) == 0 {
		features = []string{""}
	}

	k := f.opts.HashCount
	sig := make([]uint64, k)
	for i := range sig {
		sig[i] = 1<<64 - 1
	}

	// h_i(x) = first four bytes of MD5(x ‖ i), reduced by a per-slot prime.
	buf := make([]byte, 0, 64)
	for _, ft := range features {
		for i := 0; i < k; i++ {
			buf = append(buf[:0], ft...)
			buf = strconv.AppendInt(buf, int64(i), 10)
			sum := md5.Sum(buf)
			v := uint64(binary.BigEndian.Uint32(sum[:4])) % primes[i%len(primes)]
			if v < sig[i] {
				sig[i] = v
			}
		}
	}

	var b strings.Builder
	b.Grow(k * hexWordLen)
	for _, v := range sig {
		fmt.Fprintf(&b, "%08x", v)
	}
	return b.String()
}

// Similarity estimates Jaccard similarity of the underlying feature sets by
// counting agreeing 8-hex words. Signatures of unequal or invalid shape
// score 0.
func (f *Fingerprinter) Similarity(a, b string) float64 {
	if len(a) != len(b) || !f.IsValidHash(a) || !f.IsValidHash(b) {
		return 0
	}
	k := f.opts.HashCount
	match := 0
	for i := 0; i < k; i++ {
		lo, hi := i*hexWordLen, (i+1)*hexWordLen
		if a[lo:hi] == b[lo:hi] {
			match++
		}
	}
	return float64(match) / float64(k)
}

// ShouldAggregate reports whether two signatures are similar enough to share
// an aggregation.
func (f *Fingerprinter) ShouldAggregate(a, b string) bool {
	return f.Similarity(a, b) >= f.opts.SimilarityThreshold
}

// IsValidHash reports whether s has the exact shape Compute produces:
// 8·HashCount lowercase hex digits.
func (f *Fingerprinter) IsValidHash(s string) bool {
	if len(s) != f.opts.HashCount*hexWordLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
