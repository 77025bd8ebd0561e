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

// Package testonly provides support for media tests.
package testonly

import (
	"fmt"
	"testing"

	"bootlink/disk"
)

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][disk.BlockSize]byte

	// OnBlockWritten is called just after a block has been written.
	OnBlockWritten func(lba int)
}

// Info returns the geometry of the underlying storage.
func (md *MemDev) Info() disk.Info {
	return disk.Info{BlockSize: disk.BlockSize, Blocks: len(md.Storage)}
}

// Detect implements disk.Device; memory needs no probing.
func (md *MemDev) Detect() error {
	return nil
}

// Read reads size bytes at offset from the device.
func (md *MemDev) Read(offset int64, size int64) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > int64(len(md.Storage))*disk.BlockSize {
		return nil, fmt.Errorf("read [%d,%d) outside device (%d blocks)", offset, offset+size, len(md.Storage))
	}
	out := make([]byte, size)
	for i := int64(0); i < size; {
		lba := (offset + i) / disk.BlockSize
		off := (offset + i) % disk.BlockSize
		i += int64(copy(out[i:], md.Storage[lba][off:]))
	}
	return out, nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
// starting at the given block address. b is padded to a whole number of
// blocks.
func (md *MemDev) WriteBlocks(lba int, b []byte) error {
	if lba < 0 || lba >= len(md.Storage) {
		return fmt.Errorf("lba (%d) outside device (%d blocks)", lba, len(md.Storage))
	}
	if r := len(b) % disk.BlockSize; r != 0 {
		b = append(b, make([]byte, disk.BlockSize-r)...)
	}
	bl := len(b) / disk.BlockSize
	if lba+bl > len(md.Storage) {
		return fmt.Errorf("write [%d,%d) outside device (%d blocks)", lba, lba+bl, len(md.Storage))
	}
	for i := 0; i < bl; i++ {
		copy(md.Storage[lba+i][:], b[i*disk.BlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return nil
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, numBlocks int) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][disk.BlockSize]byte, numBlocks)}
}
