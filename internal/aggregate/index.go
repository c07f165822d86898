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

package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/crashstream/crashstream/internal/store"
	"github.com/crashstream/crashstream/pkg/fingerprint"
)

// indexTTL bounds staleness of a project's band index. A rebuild walks the
// project's aggregations once; between rebuilds new hashes are added
// incrementally by the worker that created them.
const indexTTL = 10 * time.Minute

// indexPageSize is the ListAggregations page size used during rebuilds.
const indexPageSize = 500

// lshIndex maps LSH band keys to the known error hashes of a project, so a
// similarity scan only touches near-miss candidates instead of every
// aggregation. The index is instance-local and lazily rebuilt: groups
// created by another instance, or before a restart, stay invisible to
// similarity matching for up to indexTTL until the next rebuild pages them
// in. Until then their events update existing groups by exact hash or open
// new ones.
type lshIndex struct {
	fp    *fingerprint.Fingerprinter
	store store.Store

	mtx      sync.Mutex
	projects map[string]*projectIndex
}

type projectIndex struct {
	bands map[string]map[string]struct{}
	built time.Time
}

func newLSHIndex(fp *fingerprint.Fingerprinter, s store.Store) *lshIndex {
	return &lshIndex{fp: fp, store: s, projects: map[string]*projectIndex{}}
}

// Candidates returns the hashes sharing at least one band with sig,
// rebuilding the project index when stale.
func (x *lshIndex) Candidates(ctx context.Context, projectID, sig string) ([]string, error) {
	x.mtx.Lock()
	defer x.mtx.Unlock()

	pi, ok := x.projects[projectID]
	if !ok || time.Since(pi.built) > indexTTL {
		rebuilt, err := x.rebuild(ctx, projectID)
		if err != nil {
			return nil, err
		}
		pi = rebuilt
		x.projects[projectID] = pi
	}

	seen := map[string]struct{}{}
	var out []string
	for _, key := range x.fp.BandKeys(sig) {
		for hash := range pi.bands[key] {
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			out = append(out, hash)
		}
	}
	return out, nil
}

// Add indexes a newly created hash without forcing a rebuild.
func (x *lshIndex) Add(projectID, sig string) {
	x.mtx.Lock()
	defer x.mtx.Unlock()
	pi, ok := x.projects[projectID]
	if !ok {
		// No index built yet; the next Candidates call rebuilds from the
		// store, which already contains the new row.
		return
	}
	pi.insert(x.fp, sig)
}

func (x *lshIndex) rebuild(ctx context.Context, projectID string) (*projectIndex, error) {
	pi := &projectIndex{bands: map[string]map[string]struct{}{}, built: time.Now()}
	for offset := 0; ; offset += indexPageSize {
		page, err := x.store.ListAggregations(ctx, projectID, store.AggregationFilter{
			Limit:  indexPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		for _, agg := range page {
			pi.insert(x.fp, agg.ErrorHash)
		}
		if len(page) < indexPageSize {
			return pi, nil
		}
	}
}

func (pi *projectIndex) insert(fp *fingerprint.Fingerprinter, sig string) {
	for _, key := range fp.BandKeys(sig) {
		set, ok := pi.bands[key]
		if !ok {
			set = map[string]struct{}{}
			pi.bands[key] = set
		}
		set[sig] = struct{}{}
	}
}
