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

// Package image renders a resolved placement into the flat binary the
// platform boot stage executes in place, and binds a signed manifest to
// the emitted bytes.
package image

import (
	"crypto/sha256"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"bootlink/layout"
)

// Image is an emitted boot image. Byte 0 of the payload corresponds to
// the region base address, so the previous boot stage's jump lands on
// the entry code without relocation.
type Image struct {
	placement *layout.Placement
	payload   []byte
}

// Build links the inputs against the descriptor and renders the result.
// Alignment gaps between sections are zero-filled; zero-data occupies
// address space but no payload bytes, so a trailing bss costs nothing
// in the emitted file. Build is deterministic: unchanged inputs produce
// a byte-identical image.
func Build(d layout.Descriptor, inputs []layout.Input) (*Image, error) {
	p, err := d.Place(inputs)
	if err != nil {
		return nil, err
	}

	fileEnd := p.Region.Base
	for _, s := range p.Sections {
		if s.FileSize > 0 && s.Addr+s.FileSize > fileEnd {
			fileEnd = s.Addr + s.FileSize
		}
	}

	payload := make([]byte, fileEnd-p.Region.Base)
	for _, s := range p.Sections {
		copy(payload[s.Addr-p.Region.Base:], s.Data)
	}
	klog.V(1).Infof("rendered %d byte image, entry %#x", len(payload), p.Region.Base)

	return &Image{placement: p, payload: payload}, nil
}

// Bytes returns the image payload. The slice is shared, not copied.
func (img *Image) Bytes() []byte {
	return img.payload
}

// Entry returns the address the boot stage jumps to.
func (img *Image) Entry() uint64 {
	return img.placement.Region.Base
}

// StackStart returns the exported stack start address.
func (img *Image) StackStart() uint64 {
	return img.placement.StackStart
}

// Placement returns the resolved section addresses.
func (img *Image) Placement() *layout.Placement {
	return img.placement
}

// SHA256 returns the digest binding manifests to the image bytes.
func (img *Image) SHA256() []byte {
	return sha256sum(img.payload)
}

func sha256sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// WriteTo emits the image payload.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(img.payload)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write image: %w", err)
	}
	return int64(n), nil
}
