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

// Package disk lays a boot image out on block storage so the SBI-stage
// loader can find it: block 0 is left to the platform boot sector, the
// image configuration occupies a fixed region from block 1, and the
// image itself follows the configuration region.
package disk

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"

	"k8s.io/klog/v2"

	"bootlink/internal/ftlog"
)

const (
	// BlockSize is the required device block size in bytes.
	BlockSize = 512

	// ConfBlock is the first block of the configuration region.
	ConfBlock = 1

	// MaxConfSize is the configuration region budget in bytes.
	MaxConfSize = 0x10000

	// ImageBlock is the first block of the image region, immediately
	// after the configuration region.
	ImageBlock = ConfBlock + MaxConfSize/BlockSize

	// batchSize is the number of blocks written per device call.
	batchSize = 2048

	// scanBlocks bounds the Locate signature search.
	scanBlocks = 100
)

// Info describes a block device.
type Info struct {
	// BlockSize is the device block size in bytes.
	BlockSize int
	// Blocks is the device capacity in blocks.
	Blocks int
}

// Device is the storage a boot image is packed onto. It mirrors the
// relevant API of MMC card drivers, allowing file-backed and in-memory
// substitutions.
type Device interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at block lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() Info
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// Config is the media descriptor stored in the configuration region. It
// records where the image region starts and how large the image is,
// binds the image bytes with a digest, and carries the signed manifest
// and its optional transparency proof bundle.
type Config struct {
	// Offset is the image region start in bytes from the beginning of
	// the device.
	Offset int64
	// Size is the image length in bytes.
	Size int64
	// SHA256 is the digest of the image bytes.
	SHA256 []byte
	// Manifest is the signed image manifest note.
	Manifest []byte
	// Bundle is the transparency proof bundle for Manifest, if any.
	Bundle ftlog.Bundle
}

// Encode serializes the configuration for storage.
func (c *Config) Encode() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(c); err != nil {
		return nil, err
	}
	if buf.Len() > MaxConfSize {
		return nil, fmt.Errorf("encoded configuration (%d bytes) exceeds region budget (%d bytes)", buf.Len(), MaxConfSize)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a stored configuration.
func (c *Config) Decode(buf []byte) error {
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(c)
}

// Write packs the configuration and image onto the device. The
// configuration's Offset, Size and SHA256 fields are filled in from the
// image. progress, when non-nil, is called after each batch of blocks
// with the number of image blocks written so far and the total.
func Write(dev Device, conf *Config, img []byte, progress func(written, total int)) error {
	if err := check(dev); err != nil {
		return err
	}

	conf.Offset = ImageBlock * BlockSize
	conf.Size = int64(len(img))
	sum := sha256.Sum256(img)
	conf.SHA256 = sum[:]

	confEnc, err := conf.Encode()
	if err != nil {
		return err
	}

	klog.V(1).Infof("writing configuration (%d bytes) @ block %#x", len(confEnc), ConfBlock)

	if err := flash(dev, confEnc, ConfBlock, nil); err != nil {
		return fmt.Errorf("configuration write error: %w", err)
	}

	klog.V(1).Infof("writing image (%d bytes) @ block %#x", len(img), ImageBlock)

	if err := flash(dev, img, ImageBlock, progress); err != nil {
		return fmt.Errorf("image write error: %w", err)
	}

	return nil
}

// Read reads back the configuration and image, verifying the stored
// digest. The manifest and proof bundle are *not* verified by this
// function.
func Read(dev Device) (*Config, []byte, error) {
	if err := check(dev); err != nil {
		return nil, nil, err
	}

	buf, err := dev.Read(ConfBlock*BlockSize, MaxConfSize)
	if err != nil {
		return nil, nil, err
	}

	conf := &Config{}
	if err := conf.Decode(buf); err != nil {
		return nil, nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	img, err := dev.Read(conf.Offset, conf.Size)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read image: %w", err)
	}

	sum := sha256.Sum256(img)
	if !bytes.Equal(conf.SHA256, sum[:]) {
		return nil, nil, fmt.Errorf("image digest mismatch: stored %x, read %x", conf.SHA256, sum)
	}

	return conf, img, nil
}

// Locate scans the head of a device for an ELF signature and returns
// the block it starts at. It serves media written without a
// configuration region, where the loader falls back to a signature
// search.
func Locate(dev Device) (int, error) {
	if err := check(dev); err != nil {
		return 0, err
	}

	magic := []byte{0x7f, 'E', 'L', 'F'}

	for lba := 0; lba < scanBlocks; lba++ {
		buf, err := dev.Read(int64(lba)*BlockSize, BlockSize)
		if err != nil {
			continue
		}
		if bytes.HasPrefix(buf, magic) {
			klog.V(1).Infof("ELF signature found @ block %d", lba)
			return lba, nil
		}
	}

	return 0, fmt.Errorf("no ELF signature in first %d blocks", scanBlocks)
}

func check(dev Device) error {
	if err := dev.Detect(); err != nil {
		return fmt.Errorf("device detection error: %w", err)
	}
	if bs := dev.Info().BlockSize; bs != BlockSize {
		return fmt.Errorf("invariant error - expected blocksize %d, found %d", BlockSize, bs)
	}
	return nil
}

// flash writes a buffer to storage at block lba.
//
// Since this function writes whole blocks, it pads buf with zeros to
// fill the last block. Padding goes into a fresh buffer so a caller
// slice with spare capacity is never written through.
func flash(dev Device, buf []byte, lba int, progress func(written, total int)) error {
	if rem := len(buf) % BlockSize; rem > 0 {
		padded := make([]byte, len(buf)+BlockSize-rem)
		copy(padded, buf)
		buf = padded
	}

	blocks := len(buf) / BlockSize
	batch := batchSize

	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * BlockSize
		end := start + BlockSize*batch

		if err := dev.WriteBlocks(lba+i, buf[start:end]); err != nil {
			return err
		}

		klog.V(2).Infof("wrote %d/%d blocks", i+batch, blocks)

		if progress != nil {
			progress(i+batch, blocks)
		}
	}

	return nil
}
