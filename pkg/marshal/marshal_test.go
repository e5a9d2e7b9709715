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

package marshal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type pair struct {
	A uint16
	B uint32
}

func (p *pair) SizeBytes() int { return 8 }

func (p *pair) MarshalBytes(dst []byte) []byte {
	dst = PutUint16(dst, p.A)
	dst = Pad(dst, 2)
	return PutUint32(dst, p.B)
}

func (p *pair) UnmarshalBytes(src []byte) []byte {
	p.A, src = Uint16(src)
	src = src[2:]
	p.B, src = Uint32(src)
	return src
}

func TestMarshal(t *testing.T) {
	got := Marshal(&pair{A: 0x1234, B: 0xdeadbeef})
	want := []byte{0x34, 0x12, 0, 0, 0xef, 0xbe, 0xad, 0xde}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Marshal() mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshal(t *testing.T) {
	src := []byte{0x34, 0x12, 0xff, 0xff, 0xef, 0xbe, 0xad, 0xde, 0x01}
	for _, tc := range []struct {
		name          string
		src           []byte
		allowTrailing bool
		wantErr       bool
	}{
		{name: "exact", src: src[:8]},
		{name: "short", src: src[:7], wantErr: true},
		{name: "trailing", src: src, wantErr: true},
		{name: "trailing allowed", src: src, allowTrailing: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var p pair
			err := Unmarshal(tc.src, &p, tc.allowTrailing)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("Unmarshal() = %v, want error %t", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if diff := cmp.Diff(pair{A: 0x1234, B: 0xdeadbeef}, p); diff != "" {
				t.Errorf("Unmarshal() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
