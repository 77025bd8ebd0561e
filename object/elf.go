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

// Package object turns compiled RISC-V ELF content into section-tagged
// inputs for layout placement.
package object

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"bootlink/layout"
)

// entrySection is the section name carrying the boot entry point. The
// startup assembly places its first instructions there so that the link
// step can pin them to the region base.
const entrySection = ".text.entry"

var errNotRISCV64 = errors.New("not a little-endian RISC-V 64-bit ELF")

// Classify maps an ELF section to a layout section kind. The second
// return is false for sections which take no part in placement
// (non-allocated debug info, symbol tables, and so on).
func Classify(name string, typ elf.SectionType, flags elf.SectionFlag) (layout.SectionKind, bool) {
	if flags&elf.SHF_ALLOC == 0 {
		return 0, false
	}
	switch {
	case name == entrySection || strings.HasPrefix(name, entrySection+"."):
		return layout.EntryCode, true
	case flags&elf.SHF_EXECINSTR != 0:
		return layout.Code, true
	case typ == elf.SHT_NOBITS:
		return layout.BSS, true
	case flags&elf.SHF_WRITE != 0:
		return layout.Data, true
	default:
		return layout.ROData, true
	}
}

// FromELF extracts placement inputs from a compiled ELF, in section
// header order. Only allocated sections are returned; an ELF with no
// allocated content yields an error.
func FromELF(r io.ReaderAt) ([]layout.Input, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF: %w", err)
	}
	defer f.Close()

	if err := check(f); err != nil {
		return nil, err
	}

	var inputs []layout.Input
	for _, s := range f.Sections {
		kind, ok := Classify(s.Name, s.Type, s.Flags)
		if !ok {
			continue
		}
		in := layout.Input{
			Name:    s.Name,
			Kind:    kind,
			MemSize: s.Size,
			Align:   s.Addralign,
		}
		if s.Type != elf.SHT_NOBITS {
			if in.Data, err = s.Data(); err != nil {
				return nil, fmt.Errorf("failed to read section %q: %w", s.Name, err)
			}
		}
		inputs = append(inputs, in)
	}
	if len(inputs) == 0 {
		return nil, errors.New("ELF has no allocated sections")
	}
	return inputs, nil
}

// EntryPoint returns the ELF entry address, for checking against the
// descriptor's region base before linking.
func EntryPoint(r io.ReaderAt) (uint64, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return 0, fmt.Errorf("failed to parse ELF: %w", err)
	}
	defer f.Close()

	if err := check(f); err != nil {
		return 0, err
	}
	return f.Entry, nil
}

func check(f *elf.File) error {
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_RISCV {
		return fmt.Errorf("%w: class %v, data %v, machine %v", errNotRISCV64, f.Class, f.Data, f.Machine)
	}
	return nil
}
