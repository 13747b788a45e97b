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

package faulthandler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHeap struct {
	transitions int
	protect     func()
}

func (f *fakeHeap) HandleFault(addr uintptr) error {
	f.transitions++
	if f.protect != nil {
		f.protect()
	}
	return nil
}

func TestGuardRunsCleanWriteWithoutTransition(t *testing.T) {
	h := &fakeHeap{}
	ran := false
	err := Guard(h, 0x1000, func() { ran = true })
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 0, h.transitions)
}

func TestGuardTransitionsOnceThenRetries(t *testing.T) {
	h := &fakeHeap{}
	writable := false
	h.protect = func() { writable = true }

	attempts := 0
	err := Guard(h, 0x1000, func() {
		attempts++
		if !writable {
			var p *int
			_ = *p // trigger a real runtime nil-dereference fault
		}
	})
	require.NoError(t, err)
	require.Equal(t, 1, h.transitions)
	require.Equal(t, 2, attempts)
}

func TestGuardEscalatesOnRepeatedFault(t *testing.T) {
	h := &fakeHeap{}
	err := Guard(h, 0x1000, func() {
		var p *int
		_ = *p
	})
	require.ErrorIs(t, err, ErrUnrecoverableFault)
	require.Equal(t, 1, h.transitions)
}

func TestGuardPropagatesNonFaultPanic(t *testing.T) {
	h := &fakeHeap{}
	require.Panics(t, func() {
		Guard(h, 0x1000, func() { panic("not a fault") })
	})
}
