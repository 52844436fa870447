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

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborline/ingestpipe/internal/cache"
)

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{TTL: 10 * time.Millisecond})
	ctx := context.Background()
	runCache := c.RunCache("run-1")

	require.NoError(t, runCache.Put(ctx, "cursor", []byte("42")))

	_, found, err := runCache.Get(ctx, "cursor")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(25 * time.Millisecond)

	_, found, err = runCache.Get(ctx, "cursor")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{})
	ctx := context.Background()
	runCache := c.RunCache("run-1")

	require.NoError(t, runCache.Put(ctx, "cursor", []byte("42")))
	time.Sleep(20 * time.Millisecond)

	_, found, err := runCache.Get(ctx, "cursor")
	require.NoError(t, err)
	require.True(t, found)
}
