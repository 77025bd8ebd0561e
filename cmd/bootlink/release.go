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
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"bootlink/internal/ftlog"
)

// loadBundle reads a gob encoded proof bundle, as emitted by the
// proofbundle tool.
func loadBundle(path string) (ftlog.Bundle, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ftlog.Bundle{}, fmt.Errorf("failed to read proof bundle %q: %w", path, err)
	}
	b, err := decodeBundle(buf)
	if err != nil {
		return ftlog.Bundle{}, fmt.Errorf("invalid proof bundle %q: %w", path, err)
	}
	return b, nil
}

func decodeBundle(buf []byte) (ftlog.Bundle, error) {
	var b ftlog.Bundle
	err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&b)
	return b, err
}

// bundleVerifier builds a proof bundle verifier from the configured
// log origin and log key, trusting mv for manifest signatures.
func bundleVerifier(mv note.Verifier) (ftlog.Verifier, error) {
	if len(conf.logOrigin) == 0 {
		return ftlog.Verifier{}, errors.New("bundle verification requires a log origin (-O)")
	}

	lv, err := verifierFromFile(conf.logKey)
	if err != nil {
		return ftlog.Verifier{}, err
	}

	return ftlog.Verifier{
		LogOrigin:         conf.logOrigin,
		LogVerifier:       lv,
		ManifestVerifiers: []note.Verifier{mv},
	}, nil
}

// unpack verifies a framed release payload, prints its manifest and,
// when an output file is configured, extracts the image to it.
func unpack() error {
	if len(conf.manifestKey) == 0 {
		return errors.New("unpack requires a manifest verifier key (-V)")
	}
	if len(conf.logKey) == 0 {
		return errors.New("unpack requires a log verifier key (-K)")
	}

	buf, err := os.ReadFile(conf.unpack)
	if err != nil {
		return err
	}

	bundleGob, img, err := ftlog.Extract(buf)
	if err != nil {
		return err
	}

	b, err := decodeBundle(bundleGob)
	if err != nil {
		return fmt.Errorf("invalid proof bundle in %q: %w", conf.unpack, err)
	}

	mv, err := verifierFromFile(conf.manifestKey)
	if err != nil {
		return err
	}

	v, err := bundleVerifier(mv)
	if err != nil {
		return err
	}

	m, err := v.Verify(b, img)
	if err != nil {
		return err
	}

	if len(conf.output) > 0 {
		if err := os.WriteFile(conf.output, img, 0o644); err != nil {
			return err
		}
		klog.Infof("wrote %d bytes to %s", len(img), conf.output)
	}

	fmt.Print(m.Print())
	return nil
}
