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

package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenNamesFileByHostnameAndRank(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "node07", 3)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(filepath.Join(dir, "memusage.node07.3"))
	require.NoError(t, err)
}

func TestWriteAppendsSevenFieldLine(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "node07", 0)
	require.NoError(t, err)

	require.NoError(t, w.Write(Line{
		PrivateTotal:         10,
		LocalHeapTotal:       20,
		ZeroTotal:            30,
		SharedTotal:          40,
		UnmergedHypothetical: 50,
		MergedActual:         60,
		MergeTimeMicros:      700,
	}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "memusage.node07.0"))
	require.NoError(t, err)
	line := strings.TrimSuffix(string(data), "\n")
	require.Equal(t, "10 20 30 40 50 60 700", line)
}

func TestWriteAppendsAcrossMultiplePasses(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "node07", 1)
	require.NoError(t, err)

	require.NoError(t, w.Write(Line{PrivateTotal: 1}))
	require.NoError(t, w.Write(Line{PrivateTotal: 2}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "memusage.node07.1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "1 0 0 0 0 0 0", lines[0])
	require.Equal(t, "2 0 0 0 0 0 0", lines[1])
}

func TestOpenReopensExistingFileInAppendMode(t *testing.T) {
	dir := t.TempDir()
	w1, err := Open(dir, "node07", 2)
	require.NoError(t, err)
	require.NoError(t, w1.Write(Line{PrivateTotal: 1}))
	require.NoError(t, w1.Close())

	w2, err := Open(dir, "node07", 2)
	require.NoError(t, err)
	require.NoError(t, w2.Write(Line{PrivateTotal: 2}))
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(filepath.Join(dir, "memusage.node07.2"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
}
