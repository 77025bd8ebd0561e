// Copyright 2024 The bootlink authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The proofbundle tool builds serialised proof bundles for a released
// boot image, so that media written with the image can be verified
// offline against the release transparency log.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/transparency-dev/merkle/rfc6962"
	"github.com/transparency-dev/serverless-log/client"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"bootlink/internal/ftlog"
)

var (
	outputFile         = flag.String("output_file", "", "File to write the bundle to.")
	logBaseURL         = flag.String("log_url", "", "Base URL for the transparency log to use.")
	logOrigin          = flag.String("log_origin", "", "Log origin string.")
	logPubKeyFile      = flag.String("log_pubkey_file", "", "File containing the log's public key in Note verifier format.")
	imageFile          = flag.String("image_file", "", "Boot image to build a bundle for.")
	manifestFile       = flag.String("manifest_file", "", "Manifest to build a bundle for.")
	manifestPubKeyFile = flag.String("manifest_pubkey_file", "", "File containing a Note verifier string to verify manifest signatures.")
	releaseFile        = flag.String("release_file", "", "Optional file to write a framed payload of bundle and image to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	mv := verifierOrDie(*manifestPubKeyFile, "manifest")
	manifest, err := os.ReadFile(*manifestFile)
	if err != nil {
		klog.Exitf("Failed to read manifest %q: %v", *manifestFile, err)
	}
	img, err := os.ReadFile(*imageFile)
	if err != nil {
		klog.Exitf("Failed to read image %q: %v", *imageFile, err)
	}

	logFetcher := newFetcherOrDie(*logBaseURL)
	logHasher := rfc6962.DefaultHasher
	logVerifier := verifierOrDie(*logPubKeyFile, "log")
	lst, err := client.NewLogStateTracker(
		ctx,
		logFetcher,
		logHasher,
		nil,
		logVerifier,
		*logOrigin,
		client.UnilateralConsensus(logFetcher),
	)
	if err != nil {
		klog.Exitf("NewLogStateTracker: %v", err)
	}
	if _, _, _, err := lst.Update(ctx); err != nil {
		klog.Exitf("Update: %v", err)
	}

	idx, err := client.LookupIndex(ctx, logFetcher, logHasher.HashLeaf(manifest))
	if err != nil {
		klog.Exitf("LookupIndex: %v", err)
	}
	klog.Infof("Found manifest at index %d", idx)

	incP, err := lst.ProofBuilder.InclusionProof(ctx, idx)
	if err != nil {
		klog.Exitf("InclusionProof: %v", err)
	}

	bundle := ftlog.Bundle{
		Checkpoint:     lst.LatestConsistentRaw,
		Index:          idx,
		InclusionProof: incP,
		Manifest:       manifest,
	}
	v := ftlog.Verifier{
		LogOrigin:         *logOrigin,
		LogVerifier:       logVerifier,
		ManifestVerifiers: []note.Verifier{mv},
	}
	if _, err := v.Verify(bundle, img); err != nil {
		klog.Exitf("Failed to verify proof bundle: %v", err)
	}

	jsn, _ := json.MarshalIndent(&bundle, "", " ")
	klog.Infof("ProofBundle:\n%s", string(jsn))

	b := &bytes.Buffer{}
	if err := gob.NewEncoder(b).Encode(bundle); err != nil {
		klog.Exitf("Failed to encode bundle: %v", err)
	}

	if err := os.WriteFile(*outputFile, b.Bytes(), 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes of proof bundle to %q", b.Len(), *outputFile)

	if *releaseFile != "" {
		if err := os.WriteFile(*releaseFile, ftlog.Frame(b.Bytes(), img), 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}
		klog.Infof("Wrote framed release payload to %q", *releaseFile)
	}
}

// newFetcherOrDie creates a Fetcher for the log at the given root location.
func newFetcherOrDie(logURL string) client.Fetcher {
	root, err := url.Parse(logURL)
	if err != nil {
		klog.Exitf("Couldn't parse log_url: %v", err)
	}

	get := getByScheme[root.Scheme]
	if get == nil {
		klog.Exitf("Unsupported URL scheme %s", root.Scheme)
	}

	r := func(ctx context.Context, p string) ([]byte, error) {
		u, err := root.Parse(p)
		if err != nil {
			return nil, err
		}
		return get(ctx, u)
	}
	return r
}

var getByScheme = map[string]func(context.Context, *url.URL) ([]byte, error){
	"http":  readHTTP,
	"https": readHTTP,
	"file": func(_ context.Context, u *url.URL) ([]byte, error) {
		return os.ReadFile(u.Path)
	},
}

func readHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		klog.Infof("Not found: %q", u.String())
		return nil, os.ErrNotExist
	case http.StatusOK:
		break
	default:
		return nil, fmt.Errorf("unexpected http status %q", resp.Status)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()
	return io.ReadAll(resp.Body)
}

func verifierOrDie(p string, thing string) note.Verifier {
	vs, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read %s pub key file %q: %v", thing, p, err)
	}
	v, err := note.NewVerifier(string(vs))
	if err != nil {
		klog.Exitf("Invalid %s note verifier string %q: %v", thing, vs, err)
	}
	return v
}
