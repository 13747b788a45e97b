// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package nodelock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testKey picks a SEM_KEY unlikely to collide with a real deployment
// or with another test process running concurrently.
func testKey(t *testing.T) int {
	return 0x5eed0000 + int(time.Now().UnixNano()&0xffff)
}

func openOrSkip(t *testing.T, key int) *Mutex {
	t.Helper()
	m, err := Open(key)
	if err != nil {
		t.Skipf("sysv semaphores unavailable in this environment: %v", err)
	}
	return m
}

func TestOpenCreatesThenAttaches(t *testing.T) {
	key := testKey(t)
	a := openOrSkip(t, key)
	defer a.Destroy()
	require.True(t, a.owner)

	b, err := Open(key)
	require.NoError(t, err)
	require.False(t, b.owner)
}

func TestLockUnlockSerializesAccess(t *testing.T) {
	key := testKey(t)
	m := openOrSkip(t, key)
	defer m.Destroy()

	var (
		mu   sync.Mutex
		refs int
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			defer m.Unlock()

			mu.Lock()
			refs++
			r := refs
			mu.Unlock()
			require.Equal(t, 1, r, "critical section must never observe concurrent entry")

			mu.Lock()
			refs--
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestWithLockRunsCallback(t *testing.T) {
	key := testKey(t)
	m := openOrSkip(t, key)
	defer m.Destroy()

	ran := false
	m.WithLock(func() { ran = true })
	require.True(t, ran)
}
