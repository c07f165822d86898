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

// crashstream-upload pushes one release's source and source-map archives to
// a crashstream server, typically from a CI publish step:
//
//	crashstream-upload web-app 1.4.2 dist-src.zip dist-maps.zip
//
// Both archives land in the same source version, which is then activated
// for source-map resolution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

type uploadedFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

type uploadResult struct {
	Version string         `json:"version"`
	Count   int            `json:"count"`
	Size    int64          `json:"size"`
	Files   []uploadedFile `json:"files"`
}

func main() {
	a := kingpin.New("crashstream-upload", "Upload a release's source and source-map archives to a crashstream server.")
	a.HelpFlag.Short('h')

	var (
		serverURL  = a.Flag("server", "Base URL of the crashstream server.").Default("http://localhost:8080").String()
		timeout    = a.Flag("timeout", "Overall upload timeout.").Default("2m").Duration()
		projectID  = a.Arg("project-id", "Project the release belongs to.").Required().String()
		version    = a.Arg("version", "Release version.").Required().String()
		sourcePath = a.Arg("source-archive", "Archive with the original sources.").Required().ExistingFile()
		mapPath    = a.Arg("sourcemap-archive", "Archive with the source maps.").Required().ExistingFile()
	)
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "crashstream-upload:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{}

	var sourceRes, mapRes *uploadResult
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sourceRes, err = upload(ctx, client, *serverURL+"/api/source-code/upload", *projectID, *version, *sourcePath)
		return err
	})
	g.Go(func() error {
		var err error
		mapRes, err = upload(ctx, client, *serverURL+"/api/sourcemap/upload", *projectID, *version, *mapPath)
		return err
	})
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "crashstream-upload:", err)
		os.Exit(1)
	}

	printResult("source", *sourcePath, sourceRes)
	printResult("sourcemap", *mapPath, mapRes)
}

// upload streams path as a multipart POST. The archive format is inferred
// server-side from the file name.
func upload(ctx context.Context, client *http.Client, url, projectID, version, path string) (*uploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, projectID, version, filepath.Base(path), f)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", filepath.Base(path), err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s (status %d)", filepath.Base(path), e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: unexpected status %d", filepath.Base(path), resp.StatusCode)
	}

	var res uploadResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", filepath.Base(path), err)
	}
	return &res, nil
}

func writeForm(mw *multipart.Writer, projectID, version, name string, f io.Reader) error {
	if err := mw.WriteField("projectId", projectID); err != nil {
		return err
	}
	if err := mw.WriteField("version", version); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

func printResult(kind, path string, res *uploadResult) {
	fmt.Printf("%s %s: %d file(s), %s, version %s\n",
		kind, filepath.Base(path), res.Count, humanize.IBytes(uint64(res.Size)), res.Version)
	for _, f := range res.Files {
		hash := f.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Printf("  %-12s  %10s  %s\n", hash, humanize.IBytes(uint64(f.Size)), f.Path)
	}
}
