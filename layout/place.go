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

package layout

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

var (
	// ErrCapacity indicates that the combined placed content exceeds
	// the declared region size.
	ErrCapacity = errors.New("capacity violation")
	// ErrNoEntry indicates that no entry code was presented, or that
	// the rule set would place other content at the region base.
	ErrNoEntry = errors.New("placement violation: entry code missing from region base")
	// ErrUnknownKind indicates content which cannot be classified into
	// one of the defined section kinds.
	ErrUnknownKind = errors.New("unknown section kind")
)

// Input is one unit of compiled content to be placed. MemSize is the
// address space the unit occupies; it may exceed len(Data) only for
// zero-initialized content. Align of zero means byte alignment.
type Input struct {
	Name    string
	Kind    SectionKind
	Data    []byte
	MemSize uint64
	Align   uint64
}

// PlacedSection records the resolved address of one Input, together
// with the file-backed content to emit there (nil for zero-data).
type PlacedSection struct {
	Name     string
	Kind     SectionKind
	Addr     uint64
	FileSize uint64
	MemSize  uint64
	Data     []byte
}

// End returns the first address past the section's memory footprint.
func (s PlacedSection) End() uint64 {
	return s.Addr + s.MemSize
}

// Placement is the fully resolved result of evaluating a descriptor
// against a set of inputs. It is a pure function of both: re-linking
// unchanged inputs yields an identical placement.
type Placement struct {
	Region     Region
	Sections   []PlacedSection
	StackStart uint64
}

// End returns the first address past the last placed section. BSS
// counts: zero-data occupies address space even though it contributes
// no image bytes.
func (p *Placement) End() uint64 {
	if len(p.Sections) == 0 {
		return p.Region.Base
	}
	return p.Sections[len(p.Sections)-1].End()
}

// Symbols returns the addresses the placement exports to startup code.
func (p *Placement) Symbols() map[string]uint64 {
	return map[string]uint64{StackStartSymbol: p.StackStart}
}

// Place evaluates the descriptor over the given inputs: the location
// counter starts at the region base and each rule, in rank order, packs
// its matching inputs contiguously (respecting each input's own
// alignment) and advances the counter by the placed size. After the
// last content rule the counter is aligned per the stack rule and bound
// as StackStart.
//
// Place fails with ErrNoEntry if no non-empty entry code is presented,
// with ErrCapacity if the counter leaves the region, and with
// ErrUnknownKind for unclassifiable inputs. All failures are link-time;
// no partial placement is returned.
func (d Descriptor) Place(inputs []Input) (*Placement, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	byKind := make([][]Input, numKinds)
	for _, in := range inputs {
		if in.Kind < EntryCode || in.Kind >= numKinds {
			return nil, fmt.Errorf("%w: input %q", ErrUnknownKind, in.Name)
		}
		if in.Kind == Stack {
			return nil, fmt.Errorf("%w: input %q: stack space carries no content", ErrUnknownKind, in.Name)
		}
		if in.MemSize < uint64(len(in.Data)) {
			return nil, fmt.Errorf("input %q: memory size %d smaller than content (%d bytes)", in.Name, in.MemSize, len(in.Data))
		}
		if in.Align != 0 && in.Align&(in.Align-1) != 0 {
			return nil, fmt.Errorf("input %q: alignment %d is not a power of two", in.Name, in.Align)
		}
		byKind[in.Kind] = append(byKind[in.Kind], in)
	}

	p := &Placement{Region: d.Region}
	cursor := d.Region.Base

	for _, rule := range d.Rules {
		if rule.Kind == Stack {
			break
		}
		if rule.Align != 0 {
			cursor = alignUp(cursor, rule.Align)
		}
		for _, in := range byKind[rule.Kind] {
			if in.Align > 1 {
				cursor = alignUp(cursor, in.Align)
			}
			if cursor > d.Region.End() || in.MemSize > d.Region.End()-cursor {
				return nil, fmt.Errorf("%w: %v section %q (%d bytes) overflows region %q [%#x,%#x)",
					ErrCapacity, in.Kind, in.Name, in.MemSize, d.Region.Name, d.Region.Base, d.Region.End())
			}
			p.Sections = append(p.Sections, PlacedSection{
				Name:     in.Name,
				Kind:     in.Kind,
				Addr:     cursor,
				FileSize: uint64(len(in.Data)),
				MemSize:  in.MemSize,
				Data:     in.Data,
			})
			klog.V(2).Infof("placed %v %q at %#x (+%d)", in.Kind, in.Name, cursor, in.MemSize)
			cursor += in.MemSize
		}
	}

	// The previous boot stage jumps to the region base unconditionally.
	// A placement whose first byte is not entry code is a fatal
	// misconfiguration, not a warning.
	if len(p.Sections) == 0 || p.Sections[0].Kind != EntryCode || p.Sections[0].MemSize == 0 {
		return nil, fmt.Errorf("%w %#x", ErrNoEntry, d.Region.Base)
	}
	if p.Sections[0].Addr != d.Region.Base {
		return nil, fmt.Errorf("%w %#x: entry code placed at %#x", ErrNoEntry, d.Region.Base, p.Sections[0].Addr)
	}

	stack := d.Rules[len(d.Rules)-1]
	p.StackStart = alignUp(cursor, stack.Align)
	if p.StackStart > d.Region.End() {
		return nil, fmt.Errorf("%w: %s %#x past region end %#x", ErrCapacity, StackStartSymbol, p.StackStart, d.Region.End())
	}
	klog.V(1).Infof("placed %d sections, end %#x, %s %#x", len(p.Sections), p.End(), StackStartSymbol, p.StackStart)

	return p, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
