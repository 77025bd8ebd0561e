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
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// Section is the manifest record of one placed section.
type Section struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Addr     uint64 `json:"addr"`
	FileSize uint64 `json:"file_size"`
	MemSize  uint64 `json:"mem_size"`
}

// Manifest describes a released boot image: its version, the resolved
// layout, and the digest binding it to the emitted bytes. The manifest
// travels as the text of a signed note.
type Manifest struct {
	Version     semver.Version `json:"version"`
	Entry       uint64         `json:"entry"`
	StackStart  uint64         `json:"stack_start"`
	ImageSHA256 []byte         `json:"image_sha256"`
	ImageSize   uint64         `json:"image_size"`
	Sections    []Section      `json:"sections"`
}

// NewManifest builds the manifest for an image.
func NewManifest(img *Image, version semver.Version) Manifest {
	m := Manifest{
		Version:     version,
		Entry:       img.Entry(),
		StackStart:  img.StackStart(),
		ImageSHA256: img.SHA256(),
		ImageSize:   uint64(len(img.Bytes())),
	}
	for _, s := range img.Placement().Sections {
		m.Sections = append(m.Sections, Section{
			Name:     s.Name,
			Kind:     s.Kind.String(),
			Addr:     s.Addr,
			FileSize: s.FileSize,
			MemSize:  s.MemSize,
		})
	}
	return m
}

// Sign serializes the manifest as a note signed by signer.
func (m Manifest) Sign(signer note.Signer) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return note.Sign(&note.Note{Text: string(body) + "\n"}, signer)
}

// OpenManifest verifies a signed manifest note and parses its contents.
// The note is accepted when signed by any of the given verifiers.
func OpenManifest(b []byte, verifiers ...note.Verifier) (Manifest, error) {
	var m Manifest
	n, err := note.Open(b, note.VerifierList(verifiers...))
	if err != nil {
		return m, fmt.Errorf("failed to verify manifest: %w", err)
	}
	if err := json.Unmarshal([]byte(n.Text), &m); err != nil {
		return m, fmt.Errorf("invalid manifest contents %q: %w", n.Text, err)
	}
	return m, nil
}

// Matches checks that the manifest was produced for the given image
// bytes.
func (m Manifest) Matches(img []byte) error {
	sum := sha256sum(img)
	if !bytes.Equal(m.ImageSHA256, sum) {
		return fmt.Errorf("manifest digest %x does not match image digest %x", m.ImageSHA256, sum)
	}
	return nil
}

// Print returns the manifest in textual format.
func (m Manifest) Print() string {
	var status bytes.Buffer

	status.WriteString("----------------------------------------------------------- Boot Image ----\n")
	status.WriteString(fmt.Sprintf("Version ................: %s\n", m.Version))
	status.WriteString(fmt.Sprintf("Entry point ............: %#x\n", m.Entry))
	status.WriteString(fmt.Sprintf("Stack start ............: %#x\n", m.StackStart))
	status.WriteString(fmt.Sprintf("Image size .............: %d\n", m.ImageSize))
	status.WriteString(fmt.Sprintf("SHA-256 ................: %s\n", hex.EncodeToString(m.ImageSHA256)))
	for _, s := range m.Sections {
		status.WriteString(fmt.Sprintf("Section %-16s: %s %#x %d/%d\n", s.Name, s.Kind, s.Addr, s.FileSize, s.MemSize))
	}

	return status.String()
}
