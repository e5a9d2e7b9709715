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

package gpuerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestToErrno(t *testing.T) {
	for _, tc := range []struct {
		name   string
		err    error
		want   unix.Errno
		wantOK bool
	}{
		{name: "sentinel", err: ErrRPCTimeout, want: unix.ETIMEDOUT, wantOK: true},
		{name: "wrapped", err: fmt.Errorf("runlist 2: %w", ErrInvalidRunlist), want: unix.EINVAL, wantOK: true},
		{name: "double wrapped", err: fmt.Errorf("a: %w", fmt.Errorf("b: %w", ErrBusy)), want: unix.EBUSY, wantOK: true},
		{name: "plain", err: fmt.Errorf("no errno")},
		{name: "nil"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ToErrno(tc.err)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("ToErrno(%v) = %v, %t, want %v, %t", tc.err, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}
