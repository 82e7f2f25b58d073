// Package ingest is the thin seam IngestVideos calls through to bring new
// source files into a table (spec.md §4, Non-goals: the actual video
// decode/probe pipeline is out of scope). It exists so the Control Surface
// has a single collaborator interface to mock in tests instead of a bare
// function value, matching the small-interface-per-collaborator shape used
// throughout this module.
package ingest

import "context"

// Prober is the external collaborator that inspects a source path and
// reports how many rows it contributes, or an error if the path can't be
// ingested. Production wiring wouldn't hand-roll this: spec.md leaves the
// concrete prober as a deployment-specific plugin point.
type Prober interface {
	Probe(ctx context.Context, path string) (rows int, err error)
}

// Result is one path's outcome.
type Result struct {
	Path    string
	Rows    int
	Err     error
}

// Run probes every path with bounded concurrency, returning per-path
// results so the caller can report the FailedPaths list spec.md's
// IngestVideosReply requires without aborting on the first bad file.
func Run(ctx context.Context, prober Prober, paths []string, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]Result, len(paths))
	sem := make(chan struct{}, concurrency)
	done := make(chan int, len(paths))
	for i, p := range paths {
		i, p := i, p
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- i }()
			rows, err := prober.Probe(ctx, p)
			results[i] = Result{Path: p, Rows: rows, Err: err}
		}()
	}
	for range paths {
		<-done
	}
	return results
}

// NullProber always succeeds with zero rows; it's the default when no real
// prober is configured, so a coordinator can still exercise IngestVideos
// end to end in development.
type NullProber struct{}

func (NullProber) Probe(ctx context.Context, path string) (int, error) { return 0, nil }
