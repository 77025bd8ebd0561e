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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"bootlink/disk"
	"bootlink/image"
)

// fileDevice adapts a media image file to the disk.Device interface.
type fileDevice struct {
	f *os.File
}

func openMedia(path string, write bool) (*fileDevice, error) {
	mode := os.O_RDONLY
	if write {
		mode = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, mode, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileDevice{f: f}, nil
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}

func (d *fileDevice) Detect() error {
	_, err := d.f.Stat()
	return err
}

func (d *fileDevice) Info() disk.Info {
	info := disk.Info{BlockSize: disk.BlockSize}
	if st, err := d.f.Stat(); err == nil {
		info.Blocks = int(st.Size() / disk.BlockSize)
	}
	return info
}

func (d *fileDevice) Read(offset int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := d.f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *fileDevice) WriteBlocks(lba int, data []byte) error {
	_, err := d.f.WriteAt(data, int64(lba)*disk.BlockSize)
	return err
}

// writeMedia packs the image, its signed manifest and, when
// configured, its proof bundle onto the boot media, with a progress
// bar over the image blocks.
func writeMedia(img []byte, manifest []byte) error {
	dev, err := openMedia(conf.media, true)
	if err != nil {
		return err
	}
	defer dev.Close()

	c := &disk.Config{Manifest: manifest}

	if len(conf.bundle) > 0 {
		if c.Bundle, err = loadBundle(conf.bundle); err != nil {
			return err
		}
	}

	blocks := (len(img) + disk.BlockSize - 1) / disk.BlockSize
	bar := pb.StartNew(blocks)

	err = disk.Write(dev, c, img, func(written, total int) {
		bar.SetCurrent(int64(written))
	})
	bar.Finish()

	if err != nil {
		return err
	}

	klog.Infof("wrote %d bytes of image and %d bytes of manifest to %s", len(img), len(manifest), conf.media)
	return nil
}

// status reads back the configured boot media, verifies the stored
// manifest and prints it. With a log verifier key the stored proof
// bundle is checked against the image as well.
func status() error {
	if len(conf.media) == 0 {
		return errors.New("status requires boot media (-d)")
	}
	if len(conf.manifestKey) == 0 {
		return errors.New("status requires a manifest verifier key (-V)")
	}

	dev, err := openMedia(conf.media, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	c, img, err := disk.Read(dev)
	if err != nil {
		return err
	}

	verifier, err := verifierFromFile(conf.manifestKey)
	if err != nil {
		return err
	}

	m, err := image.OpenManifest(c.Manifest, verifier)
	if err != nil {
		return err
	}

	if err := m.Matches(img); err != nil {
		return err
	}

	if len(conf.logKey) > 0 {
		if len(c.Bundle.Checkpoint) == 0 {
			return errors.New("no proof bundle on boot media")
		}
		v, err := bundleVerifier(verifier)
		if err != nil {
			return err
		}
		if _, err := v.Verify(c.Bundle, img); err != nil {
			return err
		}
		klog.Infof("proof bundle verified against log %q", conf.logOrigin)
	} else if len(c.Bundle.Checkpoint) > 0 {
		klog.Info("proof bundle present, pass a log verifier key (-K) to check it")
	}

	fmt.Print(m.Print())
	return nil
}

// locate scans the configured boot media for a raw ELF signature.
func locate() error {
	if len(conf.media) == 0 {
		return errors.New("locate requires boot media (-d)")
	}

	dev, err := openMedia(conf.media, false)
	if err != nil {
		return err
	}
	defer dev.Close()

	lba, err := disk.Locate(dev)
	if err != nil {
		return err
	}

	klog.Infof("ELF signature at block %d (offset %#x)", lba, lba*disk.BlockSize)
	return nil
}
