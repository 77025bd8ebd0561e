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

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"bootlink/image"
	"bootlink/layout"
	"bootlink/object"
)

func loadLayout() (layout.Descriptor, error) {
	if len(conf.layoutPath) > 0 {
		return layout.Load(conf.layoutPath)
	}
	return layout.Default(), nil
}

func saveDefaultLayout(path string) error {
	return layout.Default().Save(path)
}

// link builds a boot image from the ELF input, writes it to the output
// file and, when a signing key is present, writes the signed manifest.
// With boot media configured the image and manifest are packed onto it
// as well.
func link() error {
	d, err := loadLayout()
	if err != nil {
		return err
	}

	f, err := os.Open(conf.elf)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := object.EntryPoint(f)
	if err != nil {
		return err
	}
	if entry != d.Region.Base {
		return fmt.Errorf("ELF entry point %#x does not match region base %#x", entry, d.Region.Base)
	}

	inputs, err := object.FromELF(f)
	if err != nil {
		return err
	}

	img, err := image.Build(d, inputs)
	if err != nil {
		return err
	}

	klog.Infof("linked %s: %d sections, %d bytes, entry %#x, %s %#x",
		conf.elf, len(img.Placement().Sections), len(img.Bytes()), img.Entry(), layout.StackStartSymbol, img.StackStart())

	if len(conf.output) > 0 {
		if err := os.WriteFile(conf.output, img.Bytes(), 0o644); err != nil {
			return err
		}
		klog.Infof("wrote %d bytes to %s", len(img.Bytes()), conf.output)
	}

	var manifest []byte

	if len(conf.signKey) > 0 {
		version, err := semver.NewVersion(conf.version)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", conf.version, err)
		}

		signer, err := signerFromFile(conf.signKey)
		if err != nil {
			return err
		}

		if manifest, err = image.NewManifest(img, *version).Sign(signer); err != nil {
			return err
		}

		if len(conf.manifest) > 0 {
			if err := os.WriteFile(conf.manifest, manifest, 0o644); err != nil {
				return err
			}
			klog.Infof("wrote manifest to %s", conf.manifest)
		}
	}

	if len(conf.media) > 0 {
		if len(manifest) == 0 {
			return errors.New("writing boot media requires a signed manifest (-k)")
		}
		return writeMedia(img.Bytes(), manifest)
	}

	return nil
}

func signerFromFile(path string) (note.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key %q: %w", path, err)
	}
	s, err := note.NewSigner(string(b))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key %q: %w", path, err)
	}
	return s, nil
}

func verifierFromFile(path string) (note.Verifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verifier key %q: %w", path, err)
	}
	v, err := note.NewVerifier(string(b))
	if err != nil {
		return nil, fmt.Errorf("invalid verifier key %q: %w", path, err)
	}
	return v, nil
}
