// Package id provides strongly-typed, content-addressed identifiers and the
// domain-separated BLAKE3 hashing helpers every other Echo package builds on.
//
// Every identifier kind (node, edge, type, warp, channel, ...) wraps the same
// 32-byte Hash but is constructed through a domain-tagged helper so that a
// NodeID and an EdgeID built from the same seed bytes can never collide.
package id

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Hash is an opaque 32-byte content-addressed value. All identifiers and
// commitments (state roots, patch digests, commit hashes) are Hash values.
type Hash [32]byte

// String renders the hash as lowercase hex, e.g. for logging.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 32 bytes.
func (h Hash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether h is the all-zero hash (used as a sentinel for
// "no parent commit" / "empty checkpoint").
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Domain tags. Distinct tags keep identifier kinds and commitment kinds from
// ever colliding at the byte level (spec.md §4.1, P2).
const (
	tagNode    = "node:"
	tagEdge    = "edge:"
	tagType    = "type:"
	tagWarp    = "warp:"
	tagChannel = "channel:"
	tagCursor  = "cursor:"
	tagSession = "session:"

	DomainStateRoot   = "echo:state_root:v1\x00"
	DomainPatchDigest = "echo:patch_digest:v1\x00"
	DomainCommitV2    = "echo:commit_id:v2\x00"
	DomainRenderGraph = "echo:render_graph:v1\x00"
)

// Sum computes BLAKE3(tag || seed) and returns it as a Hash. It is the single
// point every domain-tagged constructor and commitment helper in this module
// funnels through.
func Sum(tag string, seed ...[]byte) Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(tag))
	for _, s := range seed {
		h.Write(s)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NodeID identifies a node within a warp's graph skeleton.
type NodeID Hash

// EdgeID identifies an edge within a warp's graph skeleton.
type EdgeID Hash

// TypeID identifies a node/edge type or an attachment atom's payload type.
type TypeID Hash

// WarpID identifies a WARP instance.
type WarpID Hash

// ChannelID identifies a materialization bus channel.
type ChannelID Hash

// CursorID identifies a playback cursor (spec.md §4.10).
type CursorID Hash

// SessionID identifies a view session (spec.md §4.11).
type SessionID Hash

func (n NodeID) String() string    { return Hash(n).String() }
func (e EdgeID) String() string    { return Hash(e).String() }
func (t TypeID) String() string    { return Hash(t).String() }
func (w WarpID) String() string    { return Hash(w).String() }
func (c ChannelID) String() string { return Hash(c).String() }
func (c CursorID) String() string  { return Hash(c).String() }
func (s SessionID) String() string { return Hash(s).String() }

func (n NodeID) Bytes() []byte    { return Hash(n).Bytes() }
func (e EdgeID) Bytes() []byte    { return Hash(e).Bytes() }
func (t TypeID) Bytes() []byte    { return Hash(t).Bytes() }
func (w WarpID) Bytes() []byte    { return Hash(w).Bytes() }
func (c ChannelID) Bytes() []byte { return Hash(c).Bytes() }
func (c CursorID) Bytes() []byte  { return Hash(c).Bytes() }
func (s SessionID) Bytes() []byte { return Hash(s).Bytes() }

// NewNodeID derives a content-addressed NodeID from an arbitrary seed.
func NewNodeID(seed []byte) NodeID { return NodeID(Sum(tagNode, seed)) }

// NewEdgeID derives a content-addressed EdgeID from an arbitrary seed.
func NewEdgeID(seed []byte) EdgeID { return EdgeID(Sum(tagEdge, seed)) }

// NewTypeID derives a content-addressed TypeID from a type's canonical name.
func NewTypeID(name string) TypeID { return TypeID(Sum(tagType, []byte(name))) }

// NewWarpID derives a content-addressed WarpID from an arbitrary seed.
func NewWarpID(seed []byte) WarpID { return WarpID(Sum(tagWarp, seed)) }

// NewChannelID derives a content-addressed ChannelID from a channel's
// canonical name.
func NewChannelID(name string) ChannelID { return ChannelID(Sum(tagChannel, []byte(name))) }

// NewCursorID derives a content-addressed CursorID from an arbitrary seed.
func NewCursorID(seed []byte) CursorID { return CursorID(Sum(tagCursor, seed)) }

// NewSessionID derives a content-addressed SessionID from an arbitrary seed.
func NewSessionID(seed []byte) SessionID { return SessionID(Sum(tagSession, seed)) }

// Less gives a stable total order over raw hash bytes, used throughout the
// engine for canonical iteration (node/edge sort, op sort keys, drain order).
func Less(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// NodeKey scopes a NodeID to the warp instance that owns it.
type NodeKey struct {
	Warp WarpID
	Node NodeID
}

// EdgeKey scopes an EdgeID to the warp instance that owns it.
type EdgeKey struct {
	Warp WarpID
	Edge EdgeID
}

// Plane distinguishes the node attachment plane (alpha) from the edge
// attachment plane (beta), per spec.md §3's AttachmentKey.
type Plane uint8

const (
	PlaneNode Plane = iota // alpha
	PlaneEdge               // beta
)

// AttachmentKey addresses a single attachment slot: either a node's alpha
// plane or an edge's beta plane.
type AttachmentKey struct {
	OwnerWarp WarpID
	// OwnerNode is set when Plane == PlaneNode, OwnerEdge when Plane == PlaneEdge.
	OwnerNode NodeID
	OwnerEdge EdgeID
	Plane     Plane
}

// Bytes returns k's canonical byte encoding: owner warp, plane tag, then
// whichever of OwnerNode/OwnerEdge the plane selects. Used wherever an
// attachment key needs to be folded into a hash or sort key.
func (k AttachmentKey) Bytes() []byte {
	buf := make([]byte, 0, 65)
	buf = append(buf, k.OwnerWarp.Bytes()...)
	buf = append(buf, byte(k.Plane))
	if k.Plane == PlaneNode {
		buf = append(buf, k.OwnerNode.Bytes()...)
	} else {
		buf = append(buf, k.OwnerEdge.Bytes()...)
	}
	return buf
}

// PortKey addresses a port slot (reserved for future port-typed footprints;
// ports are not produced by any op in this implementation but are part of the
// footprint vocabulary per spec.md §3/§4.4).
type PortKey struct {
	Warp WarpID
	Port NodeID
}
