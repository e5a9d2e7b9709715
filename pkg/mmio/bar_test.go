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

package mmio

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestBAR(t *testing.T, size int) *BAR {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resource0")
	if err := os.WriteFile(path, make([]byte, size), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	b, err := OpenBAR(path, size)
	if err != nil {
		t.Fatalf("OpenBAR failed: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return b
}

func TestReadWrite(t *testing.T) {
	b := openTestBAR(t, 4096)
	b.Write32(0x10, 0xdeadbeef)
	if got := b.Read32(0x10); got != 0xdeadbeef {
		t.Errorf("Read32(0x10) = %#x, want 0xdeadbeef", got)
	}
	if got := b.Read32(0x14); got != 0 {
		t.Errorf("Read32(0x14) = %#x, want 0", got)
	}
}

func TestOutOfRange(t *testing.T) {
	b := openTestBAR(t, 4096)
	for _, off := range []uint32{4096, 4094, 0x11} {
		b.Write32(off, 1)
		if got := b.Read32(off); got != BadRead {
			t.Errorf("Read32(%#x) = %#x, want %#x", off, got, uint32(BadRead))
		}
	}
}
