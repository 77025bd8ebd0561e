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

// Package ftlog verifies that a released boot image is committed to by
// a transparency log before its contents are trusted.
package ftlog

import (
	"encoding/binary"
	"errors"
)

// Bundle carries everything needed to verify offline that an image
// manifest is included in a transparency log: the log checkpoint, the
// manifest's leaf index and inclusion proof, and the signed manifest
// itself.
type Bundle struct {
	Checkpoint     []byte
	Index          uint64
	InclusionProof [][]byte
	Manifest       []byte
}

// Extract splits a framed payload into its proof bundle and image
// parts. The frame is a big-endian uint32 total bundle length followed
// by the bundle bytes, then the raw image.
func Extract(buf []byte) (bundle []byte, img []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("invalid length")
	}

	length := binary.BigEndian.Uint32(buf[0:4])

	if uint64(length) < 4 || uint64(length) > uint64(len(buf)) {
		return nil, nil, errors.New("invalid bundle length")
	}

	bundle = buf[4:length]
	img = buf[length:]

	return
}

// Frame is the inverse of Extract.
func Frame(bundle []byte, img []byte) []byte {
	buf := make([]byte, 4, 4+len(bundle)+len(img))
	binary.BigEndian.PutUint32(buf, uint32(4+len(bundle)))
	buf = append(buf, bundle...)
	buf = append(buf, img...)
	return buf
}
