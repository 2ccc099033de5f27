// Package footprint implements footprint descriptors and the deterministic
// scheduler that admits pending rewrites iff their footprints are pairwise
// independent (spec.md §4.4).
package footprint

import "github.com/flyingrobots/echo/id"

// Footprint is the conservative read/write set a rule declares for one
// candidate match. Over-approximation is sound; under-approximation is a
// correctness failure (spec.md §3, §9).
type Footprint struct {
	NRead, NWrite map[id.NodeKey]struct{}
	ERead, EWrite map[id.EdgeKey]struct{}
	ARead, AWrite map[id.AttachmentKey]struct{}
	PRead, PWrite map[id.PortKey]struct{}
}

// New returns an empty, ready-to-populate Footprint.
func New() *Footprint {
	return &Footprint{
		NRead:  map[id.NodeKey]struct{}{},
		NWrite: map[id.NodeKey]struct{}{},
		ERead:  map[id.EdgeKey]struct{}{},
		EWrite: map[id.EdgeKey]struct{}{},
		ARead:  map[id.AttachmentKey]struct{}{},
		AWrite: map[id.AttachmentKey]struct{}{},
		PRead:  map[id.PortKey]struct{}{},
		PWrite: map[id.PortKey]struct{}{},
	}
}

func (f *Footprint) ReadNode(k id.NodeKey)             { f.NRead[k] = struct{}{} }
func (f *Footprint) WriteNode(k id.NodeKey)            { f.NWrite[k] = struct{}{} }
func (f *Footprint) ReadEdge(k id.EdgeKey)             { f.ERead[k] = struct{}{} }
func (f *Footprint) WriteEdge(k id.EdgeKey)            { f.EWrite[k] = struct{}{} }
func (f *Footprint) ReadAttachment(k id.AttachmentKey) { f.ARead[k] = struct{}{} }
func (f *Footprint) WriteAttachment(k id.AttachmentKey) { f.AWrite[k] = struct{}{} }
func (f *Footprint) ReadPort(k id.PortKey)              { f.PRead[k] = struct{}{} }
func (f *Footprint) WritePort(k id.PortKey)             { f.PWrite[k] = struct{}{} }
