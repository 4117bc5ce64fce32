// Package github implements the ChecksGateway port using the go-github library.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/archguard/internal/domain/model"
	"github.com/ericfisherdev/archguard/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ChecksGateway = (*Gateway)(nil)

// Gateway implements the driven.ChecksGateway port. It keeps one go-github
// client per installation, each with the transport stack:
//  1. httpcache (ETag-based conditional request caching for lookups)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. installation auth (App JWT exchanged for installation tokens)
//
// The gateway performs exactly the call it is given and classifies failures
// as retryable or permanent; coalescing duplicate calls is the orchestrator's
// job.
type Gateway struct {
	auth    *AppAuth
	baseURL string

	mu      sync.Mutex
	clients map[int64]*gh.Client
	// fixed, when set, is used for every installation. Test constructor only.
	fixed *gh.Client
}

// NewGateway creates a Gateway authenticating through auth against the given
// API base URL (no trailing slash, e.g. "https://api.github.com").
func NewGateway(auth *AppAuth, baseURL string) *Gateway {
	return &Gateway{
		auth:    auth,
		baseURL: baseURL,
		clients: map[int64]*gh.Client{},
	}
}

// NewGatewayWithHTTPClient creates a Gateway that uses a single pre-built
// http.Client for every installation, bypassing App authentication. This
// constructor is intended for testing against an httptest server.
func NewGatewayWithHTTPClient(httpClient *http.Client, baseURL string) (*Gateway, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse API base URL %q: %w", baseURL, err)
	}
	client.BaseURL = u

	return &Gateway{
		baseURL: baseURL,
		clients: map[int64]*gh.Client{},
		fixed:   client,
	}, nil
}

// clientFor returns the cached client for an installation, creating it on
// first use.
func (g *Gateway) clientFor(installationID int64) (*gh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fixed != nil {
		return g.fixed, nil
	}

	if client, ok := g.clients[installationID]; ok {
		return client, nil
	}

	cacheTransport := httpcache.NewMemoryCacheTransport()
	cacheTransport.Transport = &installationTransport{
		auth:           g.auth,
		installationID: installationID,
		base:           http.DefaultTransport,
	}
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient)

	if g.baseURL != "" && g.baseURL != "https://api.github.com" {
		u, err := url.Parse(strings.TrimSuffix(g.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse API base URL %q: %w", g.baseURL, err)
		}
		client.BaseURL = u
	}

	g.clients[installationID] = client
	return client, nil
}

// CreateCheckRun creates a queued check run and returns its GitHub id.
func (g *Gateway) CreateCheckRun(ctx context.Context, args model.CheckExecutionArgs) (int64, error) {
	client, err := g.clientFor(args.InstallationID)
	if err != nil {
		return 0, err
	}

	opts := gh.CreateCheckRunOptions{
		Name:      args.CheckName,
		HeadSHA:   args.CommitSHA,
		Status:    gh.Ptr(string(model.RunStateQueued)),
		StartedAt: &gh.Timestamp{Time: time.Now().UTC()},
		Output: &gh.CheckRunOutput{
			Title:   gh.Ptr(args.InitialTitle),
			Summary: gh.Ptr(args.InitialSummary),
		},
	}

	run, resp, err := client.Checks.CreateCheckRun(ctx, args.RepoOwner, args.RepoName, opts)
	if err != nil {
		return 0, classify(resp, fmt.Errorf("creating check run %q for %s/%s@%s: %w", args.CheckName, args.RepoOwner, args.RepoName, args.CommitSHA, err))
	}

	return run.GetID(), nil
}

// UpdateCheckRun moves an existing check run to the requested state. Queued
// restarts a logical cycle on the same id so the run's history stays
// contiguous in GitHub's UI; completed attaches the analyzer's verdict.
func (g *Gateway) UpdateCheckRun(ctx context.Context, args model.CheckExecutionArgs, update model.CheckRunUpdate) error {
	client, err := g.clientFor(args.InstallationID)
	if err != nil {
		return err
	}

	opts := gh.UpdateCheckRunOptions{
		Name:   args.CheckName,
		Status: gh.Ptr(string(update.Status)),
	}

	switch update.Status {
	case model.RunStateCompleted:
		if update.Result == nil {
			return fmt.Errorf("completing check run %d requires a result", args.ExistingCheckRunID)
		}
		opts.Conclusion = gh.Ptr(update.Result.Conclusion)
		opts.CompletedAt = &gh.Timestamp{Time: time.Now().UTC()}
		opts.Output = &gh.CheckRunOutput{
			Title:   gh.Ptr(update.Result.Title),
			Summary: gh.Ptr(update.Result.Summary),
		}
	default:
		opts.Output = &gh.CheckRunOutput{
			Title:   gh.Ptr(args.InitialTitle),
			Summary: gh.Ptr(args.InitialSummary),
		}
	}

	_, resp, err := client.Checks.UpdateCheckRun(ctx, args.RepoOwner, args.RepoName, args.ExistingCheckRunID, opts)
	if err != nil {
		return classify(resp, fmt.Errorf("updating check run %d for %s/%s to %s: %w", args.ExistingCheckRunID, args.RepoOwner, args.RepoName, update.Status, err))
	}

	return nil
}

// FindCheckRun looks up an existing check run with the given name for a
// commit. Used to adopt a run created by a process that crashed before
// recording the id.
func (g *Gateway) FindCheckRun(ctx context.Context, owner, repo, sha, name string, installationID int64) (int64, bool, error) {
	client, err := g.clientFor(installationID)
	if err != nil {
		return 0, false, err
	}

	opts := &gh.ListCheckRunsOptions{
		CheckName:   gh.Ptr(name),
		Filter:      gh.Ptr("latest"),
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	results, resp, err := client.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
	if err != nil {
		return 0, false, classify(resp, fmt.Errorf("listing check runs for %s/%s@%s: %w", owner, repo, sha, err))
	}

	for _, run := range results.CheckRuns {
		if run.GetName() == name {
			return run.GetID(), true, nil
		}
	}

	return 0, false, nil
}

// classify wraps a failed call in a driven.APIError. Network failures,
// timeouts, rate limits and 5xx responses are retryable; every other 4xx is
// permanent.
func classify(resp *gh.Response, err error) error {
	// Token-exchange failures arrive through the transport already classified;
	// keep their verdict instead of treating the nil response as transient.
	var classified *driven.APIError
	if errors.As(err, &classified) {
		return &driven.APIError{
			Retryable:  classified.Retryable,
			StatusCode: classified.StatusCode,
			Err:        err,
		}
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	retryable := false
	switch {
	case status == 0:
		// Transport-level failure (connection reset, timeout) with no response.
		retryable = true
	case status >= http.StatusInternalServerError:
		retryable = true
	case status == http.StatusTooManyRequests:
		retryable = true
	}

	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		retryable = true
	}

	return &driven.APIError{
		Retryable:  retryable,
		StatusCode: status,
		Err:        err,
	}
}
