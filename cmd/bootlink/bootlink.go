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

// bootlink links section-tagged RISC-V content into a bootable flat
// image, signs its manifest, and packs image and manifest onto boot
// media.
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"
)

type Config struct {
	layoutPath string
	saveLayout string

	elf    string
	output string

	version     string
	signKey     string
	manifest    string
	manifestKey string

	media  string
	status bool
	locate bool

	bundle    string
	logKey    string
	logOrigin string
	unpack    string
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.layoutPath, "l", "", "layout descriptor file (default: QEMU virt layout)")
	flag.StringVar(&conf.saveLayout, "L", "", "write the default layout descriptor to a file and exit")
	flag.StringVar(&conf.elf, "e", "", "compiled ELF to link into a boot image")
	flag.StringVar(&conf.output, "o", "", "boot image output file")
	flag.StringVar(&conf.version, "r", "0.0.0", "image release version")
	flag.StringVar(&conf.signKey, "k", "", "manifest signing key file (note signer format)")
	flag.StringVar(&conf.manifest, "m", "", "manifest file to write (with -k) or verify (with -V)")
	flag.StringVar(&conf.manifestKey, "V", "", "manifest verifier key file (note verifier format)")
	flag.StringVar(&conf.media, "d", "", "boot media file to write or inspect")
	flag.BoolVar(&conf.status, "s", false, "print boot media status")
	flag.BoolVar(&conf.locate, "f", false, "find an ELF signature on boot media")
	flag.StringVar(&conf.bundle, "b", "", "proof bundle file to pack onto boot media (gob format)")
	flag.StringVar(&conf.logKey, "K", "", "log verifier key file, enables proof bundle verification")
	flag.StringVar(&conf.logOrigin, "O", "", "log origin string for proof bundle verification")
	flag.StringVar(&conf.unpack, "u", "", "framed release payload to verify and unpack")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			klog.Exitf("fatal error, %v", err)
		}
	}()

	switch {
	case len(conf.saveLayout) > 0:
		err = saveDefaultLayout(conf.saveLayout)
	case conf.status:
		err = status()
	case conf.locate:
		err = locate()
	case len(conf.unpack) > 0:
		err = unpack()
	case len(conf.elf) > 0:
		err = link()
	default:
		flag.PrintDefaults()
		os.Exit(1)
	}
}
