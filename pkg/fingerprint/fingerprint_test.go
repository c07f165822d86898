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

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeErrorInput(prop string, line1, line2 int) Input {
	stack := strings.Join([]string{
		"TypeError: Cannot read property '" + prop + "' of undefined",
		"    at getUserName (https://app.example.com/static/js/profile.js:" + strconv.Itoa(line1) + ":17)",
		"    at renderProfile (https://app.example.com/static/js/profile.js:" + strconv.Itoa(line2) + ":9)",
	}, "\n")
	return Input{
		Type:     "TypeError",
		Message:  "Cannot read property '" + prop + "' of undefined",
		Stack:    stack,
		Filename: "/static/js/profile.js",
	}
}

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	in := typeErrorInput("name", 42, 88)
	first := f.Compute(in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, f.Compute(in))
	}
	assert.Len(t, first, 128*8)
	assert.True(t, f.IsValidHash(first))
}

func TestComputeEmptyInput(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	sig := f.Compute(Input{})
	assert.Len(t, sig, 128*8)
	assert.True(t, f.IsValidHash(sig))
	// All featureless inputs share one identity.
	assert.Equal(t, sig, f.Compute(Input{}))
}

func TestSimilarityBounds(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	a := f.Compute(typeErrorInput("name", 42, 88))
	b := f.Compute(typeErrorInput("email", 57, 88))

	assert.Equal(t, 1.0, f.Similarity(a, a))
	sab, sba := f.Similarity(a, b), f.Similarity(b, a)
	assert.Equal(t, sab, sba)
	assert.GreaterOrEqual(t, sab, 0.0)
	assert.LessOrEqual(t, sab, 1.0)
}

// Two TypeErrors reading different properties at different lines of the same
// file must land in one cluster at a 0.5 threshold.
func TestSimilarityClustersRelatedErrors(t *testing.T) {
	t.Parallel()
	f := New(Options{SimilarityThreshold: 0.5})

	a := f.Compute(typeErrorInput("name", 42, 88))
	b := f.Compute(typeErrorInput("email", 57, 91))

	sim := f.Similarity(a, b)
	assert.Greater(t, sim, 0.5, "related errors scored %v", sim)
	assert.True(t, f.ShouldAggregate(a, b))
}

func TestSimilaritySeparatesUnrelatedErrors(t *testing.T) {
	t.Parallel()
	f := New(Options{SimilarityThreshold: 0.5})

	a := f.Compute(typeErrorInput("name", 42, 88))
	b := f.Compute(Input{
		Type:     "SyntaxError",
		Message:  "Unexpected token '}'",
		Stack:    "SyntaxError: Unexpected token '}'\n    at compileFunction (/app/src/config.js:3:11)",
		Filename: "/app/src/config.js",
	})

	sim := f.Similarity(a, b)
	assert.Less(t, sim, 0.5, "unrelated errors scored %v", sim)
	assert.False(t, f.ShouldAggregate(a, b))
}

// Line/column churn and interpolated values must not split an identity.
func TestComputeIgnoresVolatileDetails(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	a := f.Compute(Input{
		Type:    "Error",
		Message: "request 4521 to https://api.example.com/v1/users failed at 2025-03-01T10:00:00Z",
		Stack:   "    at fetchUsers (app.js:10:4)",
	})
	b := f.Compute(Input{
		Type:    "Error",
		Message: "request 98 to https://api.example.com/v2/orders failed at 2025-04-17T23:59:59Z",
		Stack:   "    at fetchUsers (app.js:222:18)",
	})
	assert.Equal(t, a, b)
}

func TestIsValidHash(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	valid := f.Compute(Input{Type: "Error", Message: "x"})
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "computed signature", in: valid, want: true},
		{name: "empty", in: "", want: false},
		{name: "short", in: valid[:8], want: false},
		{name: "uppercase", in: strings.ToUpper(valid), want: false},
		{name: "non-hex rune", in: "z" + valid[1:], want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, f.IsValidHash(tc.in))
		})
	}
}

func TestSimilarityRejectsForeignShapes(t *testing.T) {
	t.Parallel()

	f128 := New(Options{})
	f64 := New(Options{HashCount: 64})

	a := f128.Compute(Input{Message: "boom"})
	b := f64.Compute(Input{Message: "boom"})
	assert.Equal(t, 0.0, f128.Similarity(a, b))
	assert.Equal(t, 0.0, f128.Similarity("", ""))
}

func TestBandKeys(t *testing.T) {
	t.Parallel()
	f := New(Options{})

	a := f.Compute(typeErrorInput("name", 42, 88))
	keys := f.BandKeys(a)
	require.Len(t, keys, 32)

	// Bands of one signature never collide with each other: the band index
	// is part of the key.
	seen := map[string]struct{}{}
	for _, k := range keys {
		_, dup := seen[k]
		assert.False(t, dup)
		seen[k] = struct{}{}
	}

	// Similar signatures share at least one band.
	b := f.Compute(typeErrorInput("email", 42, 88))
	shared := 0
	for _, k := range f.BandKeys(b) {
		if _, ok := seen[k]; ok {
			shared++
		}
	}
	assert.Greater(t, shared, 0)

	assert.Nil(t, f.BandKeys("not-a-hash"))
}

func TestFeatureExtraction(t *testing.T) {
	t.Parallel()

	in := Input{
		Type:     "TypeError",
		Message:  "Cannot read property 'name' of undefined",
		Stack:    "    at getUserName (https://app.example.com/js/profile.js:42:17)",
		Filename: "/static/js/profile.js",
	}
	features := extractFeatures(in, Options{}.withDefaults())

	assert.Contains(t, features, "type:TypeError")
	assert.Contains(t, features, "msg:property")
	assert.Contains(t, features, "msg:undefined")
	assert.Contains(t, features, "func:getUserName")
	assert.Contains(t, features, "file:profile.js")
	assert.Contains(t, features, "dir:js")
	// Short tokens drop out.
	assert.NotContains(t, features, "msg:of")

	for _, ft := range features {
		if strings.HasPrefix(ft, "stack:") {
			assert.Contains(t, ft, ":LINE:COL")
			assert.NotContains(t, ft, "https://")
		}
	}
}

func TestFeatureBudget(t *testing.T) {
	t.Parallel()

	// Letter-only tokens: digits would collapse to NUM during cleaning.
	words := make([]string, 200)
	frames := make([]string, 40)
	for i := range words {
		words[i] = strings.Repeat(string(rune('a'+i%26)), 3+i/26)
	}
	for i := range frames {
		frames[i] = "    at fn" + strconv.Itoa(i) + " (mod" + strconv.Itoa(i) + ".js:1:2)"
	}
	in := Input{
		Type:     "Error",
		Message:  strings.Join(words, " "),
		Stack:    strings.Join(frames, "\n"),
		Filename: "/a/b/c.js",
	}

	opts := Options{}.withDefaults()
	features := extractFeatures(in, opts)
	assert.LessOrEqual(t, len(features), opts.MaxFeatures)

	stackLines := 0
	for _, ft := range features {
		if strings.HasPrefix(ft, "stack:") {
			stackLines++
		}
	}
	assert.LessOrEqual(t, stackLines, opts.MaxStackDepth)
}
