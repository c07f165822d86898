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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashstream/crashstream/pkg/monitor"
)

// network uploads reports over the pristine client fixed at New. One
// record per request: the ingestion endpoint accepts single records, and
// per-record requests keep a poison record from sinking its whole batch.
type network struct {
	client *http.Client
	apiKey string
	logger log.Logger
}

func (n *network) Send(ctx context.Context, url string, reports []*monitor.Report) error {
	for i, r := range reports {
		if err := n.sendOne(ctx, url, r); err != nil {
			return fmt.Errorf("report %d/%d: %w", i+1, len(reports), err)
		}
	}
	return nil
}

func (n *network) sendOne(ctx context.Context, url string, r *monitor.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("X-API-Key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		_ = level.Debug(n.logger).Log("msg", "ingestion backpressure", "status", resp.StatusCode)
		return fmt.Errorf("ingestion over capacity: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("ingestion rejected report: status %d", resp.StatusCode)
	}
}
