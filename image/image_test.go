// Copyright 2024 The bootlink authors. All Rights Reserved.
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

package image

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bootlink/layout"
)

func testInputs() []layout.Input {
	return []layout.Input{
		{Name: ".text.entry", Kind: layout.EntryCode, Data: bytes.Repeat([]byte{0xe1}, 4), MemSize: 4},
		{Name: ".text", Kind: layout.Code, Data: bytes.Repeat([]byte{0xc0}, 60), MemSize: 60},
		{Name: ".data", Kind: layout.Data, Data: bytes.Repeat([]byte{0xda}, 8), MemSize: 8},
		{Name: ".bss", Kind: layout.BSS, MemSize: 4},
	}
}

func TestBuild(t *testing.T) {
	img, err := Build(layout.Default(), testInputs())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got, want := img.Entry(), uint64(layout.RegionBase); got != want {
		t.Fatalf("Entry = %#x, want %#x", got, want)
	}
	if got, want := img.StackStart(), uint64(0x80200050); got != want {
		t.Fatalf("StackStart = %#x, want %#x", got, want)
	}

	// Trailing zero-data occupies no payload bytes: the image ends with
	// the last writable-data byte.
	want := append(bytes.Repeat([]byte{0xe1}, 4), bytes.Repeat([]byte{0xc0}, 60)...)
	want = append(want, bytes.Repeat([]byte{0xda}, 8)...)
	if diff := cmp.Diff(want, img.Bytes()); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	if img.Bytes()[0] != 0xe1 {
		t.Fatal("first image byte is not entry code")
	}
}

func TestBuildAlignmentGapsZeroFilled(t *testing.T) {
	img, err := Build(layout.Default(), []layout.Input{
		{Name: ".text.entry", Kind: layout.EntryCode, Data: []byte{1, 2, 3, 4}, MemSize: 4},
		{Name: ".data", Kind: layout.Data, Data: []byte{9, 9}, MemSize: 2, Align: 16},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []byte{1, 2, 3, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9, 9}
	if diff := cmp.Diff(want, img.Bytes()); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(layout.Default(), testInputs())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(layout.Default(), testInputs())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("repeated builds are not byte-identical")
	}
	if !bytes.Equal(a.SHA256(), b.SHA256()) {
		t.Fatal("repeated builds have different digests")
	}
}

func TestBuildPropagatesPlacementFailure(t *testing.T) {
	if _, err := Build(layout.Default(), nil); !errors.Is(err, layout.ErrNoEntry) {
		t.Fatalf("Build: %v, want %v", err, layout.ErrNoEntry)
	}
	if _, err := Build(layout.Default(), []layout.Input{
		{Name: ".text.entry", Kind: layout.EntryCode, Data: []byte{1}, MemSize: 1},
		{Name: ".bss", Kind: layout.BSS, MemSize: layout.RegionSize},
	}); !errors.Is(err, layout.ErrCapacity) {
		t.Fatalf("Build: %v, want %v", err, layout.ErrCapacity)
	}
}

func TestWriteTo(t *testing.T) {
	img, err := Build(layout.Default(), testInputs())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	buf := &bytes.Buffer{}
	n, err := img.WriteTo(buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(len(img.Bytes())) || !bytes.Equal(buf.Bytes(), img.Bytes()) {
		t.Fatalf("WriteTo wrote %d bytes, want %d", n, len(img.Bytes()))
	}
}
