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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsSameInstance(t *testing.T) {
	a := Get("merge-engine")
	b := Get("merge-engine")
	require.Same(t, a, b, "Get should return the same logger for the same source")
}

func TestLevelOrdering(t *testing.T) {
	require.Less(t, int(LevelDebug), int(LevelInfo))
	require.Less(t, int(LevelInfo), int(LevelWarn))
	require.Less(t, int(LevelWarn), int(LevelError))
}

func TestSetLevelFiltersBelowMinimum(t *testing.T) {
	l := Get("level-test").(*logger)
	SetLevel(LevelWarn)
	defer SetLevel(DefaultLevel)

	require.False(t, l.enabled(LevelInfo))
	require.True(t, l.enabled(LevelWarn))
	require.True(t, l.enabled(LevelError))
}

func TestDebugGatedPerSource(t *testing.T) {
	reg.Lock()
	reg.debug["probe-source"] = true
	reg.Unlock()
	defer func() {
		reg.Lock()
		delete(reg.debug, "probe-source")
		reg.Unlock()
	}()

	on := Get("probe-source").(*logger)
	off := Get("quiet-source").(*logger)

	require.True(t, on.enabled(LevelDebug))
	require.False(t, off.enabled(LevelDebug))
}
