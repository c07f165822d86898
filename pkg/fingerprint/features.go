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
	"path"
	"regexp"
	"strings"
)

// Category budgets as fractions of Options.MaxFeatures.
const (
	weightMessage = 0.4
	weightStack   = 0.4
	weightFile    = 0.15
	weightType    = 0.05
)

var (
	reURL       = regexp.MustCompile(`https?://[^\s'")]+`)
	reISOTime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[tT]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:[zZ]|[+-]\d{2}:?\d{2})?`)
	reUUID      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	rePath      = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)
	reNumber    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	reNonWord   = regexp.MustCompile(`[^\w]+`)
	reLineCol   = regexp.MustCompile(`:\d+:\d+\b`)
	reSpaces    = regexp.MustCompile(`\s+`)
	reFrameV8   = regexp.MustCompile(`^\s*at\s+([\w.$<>\[\]]+)\s*\(`)
	reFrameSpid = regexp.MustCompile(`^([\w.$<>]+)@`)
)

// extractFeatures turns an input into the weighted, capped feature set the
// MinHash runs over. The split keeps one noisy category (say, a message with
// dozens of distinct tokens) from starving the others.
func extractFeatures(in Input, opts Options) []string {
	var (
		budgetMsg   = int(weightMessage * float64(opts.MaxFeatures))
		budgetStack = int(weightStack * float64(opts.MaxFeatures))
		budgetFile  = int(weightFile * float64(opts.MaxFeatures))
		budgetType  = int(weightType * float64(opts.MaxFeatures))
	)
	features := make([]string, 0, opts.MaxFeatures)
	seen := make(map[string]struct{}, opts.MaxFeatures)
	add := func(budget *int, ft string) {
		if *budget <= 0 {
			return
		}
		if _, dup := seen[ft]; dup {
			return
		}
		seen[ft] = struct{}{}
		features = append(features, ft)
		*budget--
	}

	if t := strings.TrimSpace(in.Type); t != "" {
		add(&budgetType, "type:"+t)
	}

	for _, tok := range cleanMessage(in.Message) {
		add(&budgetMsg, "msg:"+tok)
	}

	lines, funcs := normalizeStack(in.Stack, opts.MaxStackDepth)
	for _, l := range lines {
		add(&budgetStack, "stack:"+l)
	}
	for _, fn := range funcs {
		add(&budgetStack, "func:"+fn)
	}

	if f := strings.TrimSpace(in.Filename); f != "" {
		f = strings.ReplaceAll(f, `\`, "/")
		add(&budgetFile, "file:"+path.Base(f))
		if dir := path.Base(path.Dir(f)); dir != "." && dir != "/" && dir != "" {
			add(&budgetFile, "dir:"+dir)
		}
	}
	return features
}

// cleanMessage tokenizes a message with volatile parts (numbers, URLs,
// paths, timestamps, UUIDs) replaced by placeholders, so interpolated
// values do not split one error into many fingerprints.
func cleanMessage(msg string) []string {
	if msg == "" {
		return nil
	}
	s := strings.ToLower(msg)
	s = reURL.ReplaceAllString(s, " URL ")
	s = reISOTime.ReplaceAllString(s, " TIMESTAMP ")
	s = reUUID.ReplaceAllString(s, " UUID ")
	s = rePath.ReplaceAllString(s, " PATH ")
	s = reNumber.ReplaceAllString(s, " NUM ")

	var toks []string
	for _, tok := range reNonWord.Split(s, -1) {
		if len(tok) <= 2 {
			continue
		}
		toks = append(toks, tok)
	}
	return toks
}

// normalizeStack returns up to maxDepth normalized frame lines plus the
// function names recoverable from them. Line/column positions become
// :LINE:COL and URL/path prefixes are stripped to the file basename, so two
// builds of the same code normalize to the same frames.
func normalizeStack(stack string, maxDepth int) (lines, funcs []string) {
	if stack == "" {
		return nil, nil
	}
	for _, raw := range strings.Split(stack, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if len(lines) >= maxDepth {
			break
		}
		if fn := frameFunc(line); fn != "" {
			funcs = append(funcs, fn)
		}

		norm := reLineCol.ReplaceAllString(line, ":LINE:COL")
		norm = reURL.ReplaceAllStringFunc(norm, lastSegment)
		norm = rePath.ReplaceAllStringFunc(norm, lastSegment)
		norm = reSpaces.ReplaceAllString(norm, " ")
		lines = append(lines, norm)
	}
	return lines, funcs
}

func frameFunc(line string) string {
	var name string
	if m := reFrameV8.FindStringSubmatch(line); m != nil {
		name = m[1]
	} else if m := reFrameSpid.FindStringSubmatch(line); m != nil {
		name = m[1]
	}
	if name == "" || strings.Contains(name, "<anonymous>") {
		return ""
	}
	return strings.Trim(name, ".")
}

func lastSegment(s string) string {
	if i := strings.LastIndexAny(s, `/\`); i >= 0 && i+1 < len(s) {
		return s[i+1:]
	}
	return s
}
