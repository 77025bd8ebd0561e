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

package ftlog

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/formats/log"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
	"golang.org/x/mod/sumdb/note"

	"bootlink/image"
)

// Verifier checks proof bundles against trusted log and manifest keys.
type Verifier struct {
	// LogOrigin is the expected origin line of log checkpoints.
	LogOrigin string
	// LogVerifier verifies checkpoint signatures.
	LogVerifier note.Verifier
	// ManifestVerifiers verify image manifest signatures. A manifest
	// is accepted when any verifier in the list matches, so a retired
	// signing key can stay trusted alongside its replacement.
	ManifestVerifiers []note.Verifier
}

// Verify checks that the bundle's manifest is included in the log
// committed to by the bundle's checkpoint, and that the manifest
// matches the presented image bytes. On success the parsed manifest is
// returned.
func (v Verifier) Verify(b Bundle, img []byte) (*image.Manifest, error) {
	if len(b.Checkpoint) == 0 {
		return nil, errors.New("missing checkpoint")
	}

	cp, _, _, err := log.ParseCheckpoint(b.Checkpoint, v.LogOrigin, v.LogVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}

	m, err := image.OpenManifest(b.Manifest, v.ManifestVerifiers...)
	if err != nil {
		return nil, err
	}

	if err := m.Matches(img); err != nil {
		return nil, err
	}

	h := rfc6962.DefaultHasher
	if err := proof.VerifyInclusion(h, b.Index, cp.Size, h.HashLeaf(b.Manifest), b.InclusionProof, cp.Hash); err != nil {
		return nil, fmt.Errorf("invalid inclusion proof: %w", err)
	}

	return &m, nil
}
