// Copyright 2024 The gVisor Authors.
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

package pmu

import (
	"fmt"
	"time"

	"gpuctl.dev/gpuctl/pkg/abi/nvgpu"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
)

const (
	mutexAcquireRetries = 40
	mutexAcquireDelay   = 20 * time.Microsecond
)

// hwMutex is the host's view of a PMU hardware mutex it holds. The mutex is
// recursive for the host: nested acquires only take a reference.
type hwMutex struct {
	token uint32
	refs  int
}

// MutexAcquire takes PMU hardware mutex id, shared with the firmware, and
// returns the token that owns it.
func (p *PMU) MutexAcquire(id uint32) (uint32, error) {
	if id >= nvgpu.PWR_PMU_MUTEX__SIZE {
		return 0, fmt.Errorf("mutex %d: %w", id, gpuerr.ErrInvalidMutex)
	}
	p.mutexMu.Lock()
	defer p.mutexMu.Unlock()

	m := &p.mutexes[id]
	if m.refs > 0 {
		m.refs++
		return m.token, nil
	}
	for i := 0; i < mutexAcquireRetries; i++ {
		token := p.dev.Read32(nvgpu.PWR_PMU_MUTEX_ID) & nvgpu.PWR_PMU_MUTEX_ID_VALUE_M
		if token == nvgpu.PWR_PMU_MUTEX_ID_VALUE_INIT || token == nvgpu.PWR_PMU_MUTEX_ID_VALUE_NOT_AVAIL {
			log.Warningf("PMU mutex %d: no free token (%#x)", id, token)
			return 0, fmt.Errorf("mutex %d: no free token: %w", id, gpuerr.ErrBusy)
		}
		p.dev.Write32(nvgpu.PmuMutex(id), token)
		if owner := p.dev.Read32(nvgpu.PmuMutex(id)) & nvgpu.PWR_PMU_MUTEX_VALUE_M; owner == token {
			m.token = token
			m.refs = 1
			log.Debugf("PMU mutex %d acquired with token %#x", id, token)
			return token, nil
		}
		p.dev.Write32(nvgpu.PWR_PMU_MUTEX_ID_RELEASE, token)
		p.dev.Clock().Sleep(mutexAcquireDelay)
	}
	return 0, fmt.Errorf("mutex %d held by %#x: %w", id, p.dev.Read32(nvgpu.PmuMutex(id)), gpuerr.ErrBusy)
}

// MutexRelease drops a reference to mutex id taken with token. The mutex is
// released to the firmware when the last reference goes.
func (p *PMU) MutexRelease(id, token uint32) error {
	if id >= nvgpu.PWR_PMU_MUTEX__SIZE {
		return fmt.Errorf("mutex %d: %w", id, gpuerr.ErrInvalidMutex)
	}
	p.mutexMu.Lock()
	defer p.mutexMu.Unlock()

	m := &p.mutexes[id]
	if m.refs == 0 || m.token != token {
		return fmt.Errorf("mutex %d released with token %#x: %w", id, token, gpuerr.ErrInvalidMutex)
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	p.dev.Write32(nvgpu.PmuMutex(id), nvgpu.PWR_PMU_MUTEX_VALUE_INITIAL_LOCK)
	p.dev.Write32(nvgpu.PWR_PMU_MUTEX_ID_RELEASE, token)
	m.token = 0
	return nil
}
