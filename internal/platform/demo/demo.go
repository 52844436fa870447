// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package demo is an illustrative platform handler exercising the full
// Handler Context Contract: root fan-out, child stream publication, a
// rate-limit excursion, a settings merge, and a sink write. It is not a
// client for any real external API (that integration is explicitly out
// of scope, per spec §1); it exists so the registry, the workers, and
// the sink have at least one concrete handler to dispatch to in tests
// and local scenario runs.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/harborline/ingestpipe/internal/handlerctx"
	"github.com/harborline/ingestpipe/internal/registry"
	"github.com/harborline/ingestpipe/internal/sink"
	pipelineerrors "github.com/harborline/ingestpipe/pkg/errors"
)

// Platform is the registry key this handler answers to.
const Platform = "demo"

// Handler bundles a Sink target with the three registry callables. It
// has no other state: everything it needs per invocation comes from the
// context passed to it.
type Handler struct {
	Sink sink.Sink
}

// Register wires h's three callables into reg under Platform.
func Register(reg *registry.Registry, h *Handler) {
	reg.Register(registry.Handler{
		Platform:        Platform,
		GenerateStreams: h.GenerateStreams,
		ProcessStream:   h.ProcessStream,
		ProcessData:     h.ProcessData,
	})
}

// GenerateStreams seeds one root stream per entry in the integration's
// "seeds" setting (a []any of strings), falling back to a single
// "default" seed when none is configured.
func (h *Handler) GenerateStreams(ctx context.Context, rc handlerctx.RunContext) error {
	seeds := stringSlice(rc.Integration().Settings["seeds"])
	if len(seeds) == 0 {
		seeds = []string{"default"}
	}

	for _, seed := range seeds {
		if err := rc.PublishStream(ctx, seed, map[string]any{"cursor": ""}); err != nil {
			return fmt.Errorf("publish root stream %q: %w", seed, err)
		}
	}
	return nil
}

// ProcessStream walks a simulated single page of results. A stream
// whose data carries simulateRateLimit:true raises RateLimitError on
// every attempt, modeling an upstream 429. A root stream (no parent) fans
// out one child stream, "<identifier>-child", to exercise child
// publication; every stream publishes one data row and writes the current
// time under "lastSync" in the integration's shared settings.
func (h *Handler) ProcessStream(ctx context.Context, sc handlerctx.StreamContext) error {
	data := sc.Stream().Data

	if resetAfter, ok := data["simulateRateLimit"]; ok && truthy(resetAfter) {
		return &pipelineerrors.RateLimitError{ResetAfter: 60 * time.Second, Message: "demo platform simulated rate limit"}
	}

	if msg, ok := data["simulateAbort"].(string); ok && msg != "" {
		return sc.AbortWithError(ctx, msg, nil)
	}

	if err := sc.PublishData(ctx, map[string]any{
		"kind":       "item",
		"identifier": sc.Stream().Identifier,
	}); err != nil {
		return fmt.Errorf("publish data: %w", err)
	}

	if sc.Stream().Type == "ROOT" {
		childIdentifier := sc.Stream().Identifier + "-child"
		if err := sc.PublishStream(ctx, childIdentifier, map[string]any{"cursor": "page-2"}); err != nil {
			return fmt.Errorf("publish child stream: %w", err)
		}
	}

	if err := sc.UpdateIntegrationSettings(ctx, map[string]any{"lastSync": time.Now().Format(time.RFC3339)}); err != nil {
		return fmt.Errorf("update integration settings: %w", err)
	}
	return nil
}

// ProcessData writes the row to the sink as an activity. processData
// never publishes further streams or data, per §4.4.
func (h *Handler) ProcessData(ctx context.Context, dc handlerctx.DataContext) error {
	payload := dc.Data()

	identifier, _ := payload["identifier"].(string)
	if identifier == "" {
		identifier = "unknown"
	}

	return h.Sink.UpsertActivity(ctx, sink.Activity{
		SourceID: fmt.Sprintf("demo:%s", identifier),
		TenantID: dc.Integration().TenantID,
		Payload:  payload,
	})
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
