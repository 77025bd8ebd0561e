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

// Package layout describes the physical address-space plan of a RISC-V
// boot image: the RAM region the image occupies, and the ordered section
// placement rules which deterministically assign an address to every
// piece of compiled content, starting with entry code at the region base.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
)

const (
	// RegionBase is the physical address the platform boot stage jumps
	// to. The jump target is hard-coded in the previous boot stage, so
	// entry code must be the first content placed here.
	RegionBase = 0x8020_0000

	// RegionSize is the RAM window available to the image.
	RegionSize = 128 * 1024 * 1024

	// StackAlign is the alignment required of the exported stack start
	// address by the RISC-V calling convention.
	StackAlign = 16

	// StackStartSymbol is the name under which the aligned end-of-image
	// address is exported for startup code to initialize sp with.
	StackStartSymbol = "_stack_start"
)

// SectionKind classifies a unit of compiled content. The declaration
// order of the kinds is their placement rank: lower kinds are placed at
// lower addresses.
type SectionKind int

const (
	// EntryCode is the section containing the first instructions
	// executed after the boot stage transfers control. It must be
	// placed first, at the region base.
	EntryCode SectionKind = iota
	// Code is general executable content.
	Code
	// ROData is read-only data.
	ROData
	// Data is writable, initialized data.
	Data
	// BSS is zero-initialized data. It occupies address space but no
	// bytes in the emitted image.
	BSS
	// Stack is the reservation marker for stack space. It carries no
	// content; placing it binds the stack start symbol.
	Stack

	numKinds
)

func (k SectionKind) String() string {
	switch k {
	case EntryCode:
		return "entry-code"
	case Code:
		return "code"
	case ROData:
		return "read-only-data"
	case Data:
		return "writable-data"
	case BSS:
		return "zero-data"
	case Stack:
		return "stack-reservation"
	}
	return fmt.Sprintf("SectionKind(%d)", int(k))
}

// MarshalJSON encodes the kind by name so descriptor files stay
// readable and rank renumbering cannot silently change their meaning.
func (k SectionKind) MarshalJSON() ([]byte, error) {
	if k < EntryCode || k >= numKinds {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *SectionKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind returns the SectionKind named by s.
func ParseKind(s string) (SectionKind, error) {
	for k := EntryCode; k < numKinds; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Perms describes the access attributes of a Region.
type Perms struct {
	Read    bool `json:"read"`
	Write   bool `json:"write"`
	Execute bool `json:"execute"`
}

// Region is a contiguous physical address range available for image
// placement. Exactly one region exists per descriptor; every placement
// must resolve inside [Base, Base+Size).
type Region struct {
	Name  string `json:"name"`
	Base  uint64 `json:"base"`
	Size  uint64 `json:"size"`
	Perms Perms  `json:"perms"`
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Rule positions one section kind within the region. Rules are evaluated
// in rank order; Align, when non-zero, forces the location counter to a
// multiple of it before the rule's content is placed.
type Rule struct {
	Kind  SectionKind `json:"kind"`
	Align uint64      `json:"align,omitempty"`
}

// Descriptor is the full address-space plan: one region and the ordered
// list of placement rules packed into it. A Descriptor is declared once
// at build time and evaluated exactly once per link.
type Descriptor struct {
	Region Region `json:"region"`
	Rules  []Rule `json:"rules"`
}

// Default returns the canonical descriptor for the QEMU virt machine:
// a single RWX region at 0x80200000 spanning 128 MiB, sections in
// entry/code/rodata/data/bss order, stack start aligned to 16 bytes.
func Default() Descriptor {
	return Descriptor{
		Region: Region{
			Name:  "RAM",
			Base:  RegionBase,
			Size:  RegionSize,
			Perms: Perms{Read: true, Write: true, Execute: true},
		},
		Rules: []Rule{
			{Kind: EntryCode},
			{Kind: Code},
			{Kind: ROData},
			{Kind: Data},
			{Kind: BSS},
			{Kind: Stack, Align: StackAlign},
		},
	}
}

// Validate checks that the descriptor is self-consistent: a non-empty
// region, rules in strictly ascending rank order, entry code first and
// a stack reservation last. It does not need any section content; the
// entry-code-first invariant is checkable from the rule list alone.
func (d Descriptor) Validate() error {
	if d.Region.Size == 0 {
		return fmt.Errorf("invalid descriptor: region %q has zero size", d.Region.Name)
	}
	if d.Region.End() < d.Region.Base {
		return fmt.Errorf("invalid descriptor: region %q wraps the address space", d.Region.Name)
	}
	if len(d.Rules) == 0 {
		return fmt.Errorf("invalid descriptor: no placement rules")
	}
	if d.Rules[0].Kind != EntryCode {
		return fmt.Errorf("%w: first rule is %v, must be %v", ErrNoEntry, d.Rules[0].Kind, EntryCode)
	}
	last := d.Rules[len(d.Rules)-1]
	if last.Kind != Stack {
		return fmt.Errorf("invalid descriptor: last rule is %v, must be %v", last.Kind, Stack)
	}
	if last.Align == 0 || last.Align%StackAlign != 0 {
		return fmt.Errorf("invalid descriptor: stack alignment %d is not a multiple of %d", last.Align, StackAlign)
	}
	for i, r := range d.Rules {
		if r.Kind < EntryCode || r.Kind >= numKinds {
			return fmt.Errorf("%w: rule %d", ErrUnknownKind, i)
		}
		if r.Align != 0 && r.Align&(r.Align-1) != 0 {
			return fmt.Errorf("invalid descriptor: rule %v alignment %d is not a power of two", r.Kind, r.Align)
		}
		if i > 0 && r.Kind <= d.Rules[i-1].Kind {
			return fmt.Errorf("invalid descriptor: rule %v out of rank order after %v", r.Kind, d.Rules[i-1].Kind)
		}
	}
	return nil
}

// Load reads and validates a descriptor file.
func Load(path string) (Descriptor, error) {
	var d Descriptor
	b, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("failed to read descriptor %q: %w", path, err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("invalid descriptor %q: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// Save writes the descriptor to path as JSON.
func (d Descriptor) Save(path string) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
