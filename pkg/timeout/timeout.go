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

// Package timeout provides bounded polling with capped exponential backoff.
//
// Every hardware wait in gpuctl is a Poll: the condition is checked, and if
// it does not hold the caller sleeps for a delay that starts at an initial
// value and doubles up to a cap, until the condition holds or the deadline
// passes. Time is taken from a Clock so that tests can drive it.
package timeout

import (
	"time"

	"github.com/cenkalti/backoff"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
)

// Delays used when polling the GPU for idle or pending status.
const (
	// DefaultDelay is the first poll delay.
	DefaultDelay = 10 * time.Microsecond
	// MaxDelay caps the poll delay.
	MaxDelay = 200 * time.Microsecond
)

// Clock is the time source for timeouts.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d.
	Sleep(d time.Duration)
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Timeout tracks a deadline and the current poll delay.
type Timeout struct {
	clock Clock
	b     *backoff.ExponentialBackOff
}

// New returns a Timeout that expires duration from now, with poll delays
// starting at initial and capped at max.
func New(clock Clock, duration, initial, max time.Duration) *Timeout {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      duration,
		Clock:               clock,
	}
	b.Reset()
	return &Timeout{clock: clock, b: b}
}

// Expired reports whether the deadline has passed. A Timeout of zero
// duration never expires.
func (t *Timeout) Expired() bool {
	return t.b.MaxElapsedTime != 0 && t.b.GetElapsedTime() > t.b.MaxElapsedTime
}

// Sleep sleeps for the current delay and doubles it, up to the cap. It
// returns false without sleeping if the deadline has passed.
func (t *Timeout) Sleep() bool {
	d := t.b.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t.clock.Sleep(d)
	return true
}

// Poll calls cond until it returns true or an error, sleeping between calls.
// It returns gpuerr.ErrTimeout if the deadline passes first. cond is always
// called at least once, and once more after the final sleep.
func Poll(clock Clock, duration, initial, max time.Duration, cond func() (bool, error)) error {
	t := New(clock, duration, initial, max)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if t.Expired() {
			return gpuerr.ErrTimeout
		}
		t.Sleep()
	}
}
