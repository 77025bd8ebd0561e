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
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"

	"bootlink/image"
	"bootlink/internal/ftlog"
	"bootlink/layout"
)

const testOrigin = "bootlink-test-log"

func testImage(t *testing.T) *image.Image {
	t.Helper()
	img, err := image.Build(layout.Default(), []layout.Input{
		{Name: ".text.entry", Kind: layout.EntryCode, Data: []byte{1, 2, 3, 4}, MemSize: 4},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return img
}

func writeFile(t *testing.T, dir, name string, b []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// testRelease signs a manifest for img, builds a proof bundle for it
// from a two-leaf log, and drops the verifier keys and the gob encoded
// bundle into dir. It returns the signed manifest, the bundle and the
// file paths needed to verify them.
func testRelease(t *testing.T, dir string, img *image.Image) (manifest []byte, bundle ftlog.Bundle, manifestKeyFile, logKeyFile, bundleFile string) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, "test-manifest")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	manifestKeyFile = writeFile(t, dir, "manifest.pub", []byte(vkey))

	manifest, err = image.NewManifest(img, *semver.New("1.0.0")).Sign(signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	h := rfc6962.DefaultHasher
	leaf := h.HashLeaf(manifest)
	sibling := h.HashLeaf([]byte("some other release"))
	root := h.HashChildren(leaf, sibling)

	logSkey, logVkey, err := note.GenerateKey(rand.Reader, "test-log")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	logSigner, err := note.NewSigner(logSkey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	logKeyFile = writeFile(t, dir, "log.pub", []byte(logVkey))

	cp := log.Checkpoint{Origin: testOrigin, Size: 2, Hash: root}
	cpNote, err := note.Sign(&note.Note{Text: string(cp.Marshal())}, logSigner)
	if err != nil {
		t.Fatalf("Sign checkpoint: %v", err)
	}

	bundle = ftlog.Bundle{
		Checkpoint:     cpNote,
		Index:          0,
		InclusionProof: [][]byte{sibling},
		Manifest:       manifest,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundle); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	bundleFile = writeFile(t, dir, "bundle.gob", buf.Bytes())

	return manifest, bundle, manifestKeyFile, logKeyFile, bundleFile
}

func TestMediaBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := testImage(t)
	manifest, _, manifestKeyFile, logKeyFile, bundleFile := testRelease(t, dir, img)

	conf = &Config{
		media:       filepath.Join(dir, "media.img"),
		bundle:      bundleFile,
		manifestKey: manifestKeyFile,
		logKey:      logKeyFile,
		logOrigin:   testOrigin,
	}

	if err := writeMedia(img.Bytes(), manifest); err != nil {
		t.Fatalf("writeMedia: %v", err)
	}
	if err := status(); err != nil {
		t.Fatalf("status: %v", err)
	}

	conf.logOrigin = "some other log"
	if err := status(); err == nil {
		t.Fatal("status accepted bundle from a different log origin")
	}
}

func TestStatusRequiresBundleWithLogKey(t *testing.T) {
	dir := t.TempDir()
	img := testImage(t)
	manifest, _, manifestKeyFile, logKeyFile, _ := testRelease(t, dir, img)

	// Media written without a bundle must not pass verification when
	// one is demanded.
	conf = &Config{
		media:       filepath.Join(dir, "media.img"),
		manifestKey: manifestKeyFile,
		logOrigin:   testOrigin,
	}
	if err := writeMedia(img.Bytes(), manifest); err != nil {
		t.Fatalf("writeMedia: %v", err)
	}
	if err := status(); err != nil {
		t.Fatalf("status: %v", err)
	}

	conf.logKey = logKeyFile
	if err := status(); err == nil {
		t.Fatal("status accepted media without a proof bundle")
	}
}

func TestUnpackRelease(t *testing.T) {
	dir := t.TempDir()
	img := testImage(t)
	_, bundle, manifestKeyFile, logKeyFile, _ := testRelease(t, dir, img)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundle); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	framed := ftlog.Frame(buf.Bytes(), img.Bytes())

	conf = &Config{
		unpack:      writeFile(t, dir, "release.bin", framed),
		output:      filepath.Join(dir, "out.img"),
		manifestKey: manifestKeyFile,
		logKey:      logKeyFile,
		logOrigin:   testOrigin,
	}

	if err := unpack(); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	out, err := os.ReadFile(conf.output)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(out, img.Bytes()) {
		t.Fatal("unpacked image differs from release image")
	}

	tampered := append([]byte{}, framed...)
	tampered[len(tampered)-1] ^= 0xff
	conf.unpack = writeFile(t, dir, "tampered.bin", tampered)
	if err := unpack(); err == nil {
		t.Fatal("unpack accepted tampered release payload")
	}
}
