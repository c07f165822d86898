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

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/internal/sourcemap"
	"github.com/crashstream/crashstream/internal/store"
)

// SourcemapWorker resolves an aggregation's representative minified
// position to the original source and writes it onto the row.
type SourcemapWorker struct {
	resolver *sourcemap.Resolver
	store    store.Store
	logger   log.Logger
}

// NewSourcemapWorker wires the source-map stage.
func NewSourcemapWorker(r *sourcemap.Resolver, s store.Store, logger log.Logger) *SourcemapWorker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SourcemapWorker{
		resolver: r,
		store:    s,
		logger:   log.With(logger, "component", "sourcemap-worker"),
	}
}

// Handle resolves one position. A missing mapping is final and succeeds; a
// missing aggregation row is retryable because this stage races the
// aggregation stage for freshly seen errors.
func (w *SourcemapWorker) Handle(ctx context.Context, job SourcemapJob) error {
	pos := w.resolver.Resolve(ctx, job.ProjectID, job.File, job.Line, job.Col)
	if pos == nil {
		return nil
	}

	err := w.store.UpdateAggregationSource(ctx, job.ProjectID, job.ErrorHash, pos.Source, pos.Line, pos.Column, pos.Name)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("aggregation %s/%s not created yet: %w", job.ProjectID, job.ErrorHash, err)
	}
	if err != nil {
		return fmt.Errorf("update aggregation source: %w", err)
	}
	_ = level.Debug(w.logger).Log("msg", "source position resolved", "project", job.ProjectID, "hash", job.ErrorHash, "source", pos.Source, "line", pos.Line)
	return nil
}
