// Package patch implements the canonical tick patch encoding, state-root
// and commit-hash computation, and deterministic patch replay
// (spec.md §4.7).
package patch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flyingrobots/echo/engine"
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/warp"
)

// ErrNoRootInstance is returned when computing a state root against a
// WarpState whose root instance is missing.
var ErrNoRootInstance = errors.New("patch: state has no root instance")

// WorldlineTickPatchV1 is one tick's worth of canonical mutation for a
// single warp: the policy under which it ran, the rule pack that produced
// it, and its ops in canonical sort order (spec.md §3, §4.7).
type WorldlineTickPatchV1 struct {
	PolicyID   uint32
	RulePackID id.Hash
	WarpID     id.WarpID
	Ops        []engine.WarpOp
}

// Encode returns p's canonical byte encoding: the patch_digest domain tag,
// policy_id, rule_pack_id, warp_id, then every op's tag byte and canonical
// field encoding, in p.Ops' existing order (callers pass already
// canonically-sorted ops; Encode does not re-sort, so replay and
// digesting agree on exactly the bytes that were merged).
func Encode(p WorldlineTickPatchV1) []byte {
	var buf []byte
	buf = append(buf, []byte(id.DomainPatchDigest)...)
	buf = appendU32(buf, p.PolicyID)
	buf = append(buf, p.RulePackID.Bytes()...)
	buf = append(buf, p.WarpID.Bytes()...)
	for _, op := range p.Ops {
		buf = appendOp(buf, op)
	}
	return buf
}

// Digest computes patch_digest = BLAKE3(encoded_bytes) for an already
// canonically-encoded patch.
func Digest(encoded []byte) id.Hash {
	return id.Sum("", encoded)
}

// ErrTruncated is returned by Decode when buf ends before a field its
// cursor expected finishes reading.
var ErrTruncated = errors.New("patch: truncated encoding")

// ErrBadDomainTag is returned by Decode when buf does not open with the
// patch_digest domain tag Encode always writes.
var ErrBadDomainTag = errors.New("patch: missing or mismatched domain tag")

// Decode is Encode's inverse: it reconstructs a WorldlineTickPatchV1 from
// its canonical byte encoding. This is the only place that needs to know
// the encoding's field layout; every durable patch store (worldline's
// backends) round-trips through Encode/Decode rather than inventing its
// own serialization (spec.md §4.7, §4.9).
func Decode(buf []byte) (WorldlineTickPatchV1, error) {
	c := cursor{buf: buf}

	tag, err := c.take(len(id.DomainPatchDigest))
	if err != nil {
		return WorldlineTickPatchV1{}, err
	}
	if string(tag) != id.DomainPatchDigest {
		return WorldlineTickPatchV1{}, ErrBadDomainTag
	}

	policyID, err := c.takeU32()
	if err != nil {
		return WorldlineTickPatchV1{}, err
	}
	rulePackID, err := c.takeHash()
	if err != nil {
		return WorldlineTickPatchV1{}, err
	}
	warpID, err := c.takeHash()
	if err != nil {
		return WorldlineTickPatchV1{}, err
	}

	p := WorldlineTickPatchV1{
		PolicyID:   policyID,
		RulePackID: rulePackID,
		WarpID:     id.WarpID(warpID),
	}
	for !c.empty() {
		op, err := decodeOp(&c, p.WarpID)
		if err != nil {
			return WorldlineTickPatchV1{}, err
		}
		p.Ops = append(p.Ops, op)
	}
	return p, nil
}

func decodeOp(c *cursor, warpID id.WarpID) (engine.WarpOp, error) {
	kindByte, err := c.takeByte()
	if err != nil {
		return engine.WarpOp{}, err
	}
	op := engine.WarpOp{Kind: engine.OpKind(kindByte), Warp: warpID}

	switch op.Kind {
	case engine.OpInsertNode:
		node, err := c.takeHash()
		if err != nil {
			return op, err
		}
		typ, err := c.takeHash()
		if err != nil {
			return op, err
		}
		op.Node = id.NodeID(node)
		op.NodeRecord = graph.NodeRecord{Type: id.TypeID(typ)}
	case engine.OpDeleteNode:
		node, err := c.takeHash()
		if err != nil {
			return op, err
		}
		op.Node = id.NodeID(node)
	case engine.OpInsertEdge:
		edge, err := c.takeHash()
		if err != nil {
			return op, err
		}
		from, err := c.takeHash()
		if err != nil {
			return op, err
		}
		to, err := c.takeHash()
		if err != nil {
			return op, err
		}
		typ, err := c.takeHash()
		if err != nil {
			return op, err
		}
		op.Edge = id.EdgeID(edge)
		op.EdgeFrom = id.NodeID(from)
		op.EdgeTo = id.NodeID(to)
		op.EdgeRecord = graph.EdgeRecord{ID: op.Edge, From: op.EdgeFrom, To: op.EdgeTo, Type: id.TypeID(typ)}
	case engine.OpDeleteEdge:
		edge, err := c.takeHash()
		if err != nil {
			return op, err
		}
		from, err := c.takeHash()
		if err != nil {
			return op, err
		}
		op.Edge = id.EdgeID(edge)
		op.EdgeFrom = id.NodeID(from)
	case engine.OpSetAttachment, engine.OpRewrite:
		key, err := c.takeAttachmentKey()
		if err != nil {
			return op, err
		}
		value, err := c.takeAttachmentPtr()
		if err != nil {
			return op, err
		}
		op.Attachment = key
		op.Value = value
	case engine.OpOpenPortal:
		key, err := c.takeAttachmentKey()
		if err != nil {
			return op, err
		}
		childWarp, err := c.takeHash()
		if err != nil {
			return op, err
		}
		childRoot, err := c.takeHash()
		if err != nil {
			return op, err
		}
		init, err := c.takeAttachmentPtr()
		if err != nil {
			return op, err
		}
		op.Attachment = key
		op.ChildWarp = id.WarpID(childWarp)
		op.ChildRoot = id.NodeID(childRoot)
		op.Init = init
	default:
		return op, fmt.Errorf("patch: unknown op kind %d during decode", kindByte)
	}
	return op, nil
}

// cursor reads the fixed/length-prefixed fields Encode writes, in order.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) empty() bool { return c.pos >= len(c.buf) }

func (c *cursor) take(n int) ([]byte, error) {
	if c.pos+n > len(c.buf) {
		return nil, ErrTruncated
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) takeByte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) takeHash() (id.Hash, error) {
	b, err := c.take(32)
	if err != nil {
		return id.Hash{}, err
	}
	var h id.Hash
	copy(h[:], b)
	return h, nil
}

func (c *cursor) takeU32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) takeU64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// takeAttachmentKey mirrors id.AttachmentKey.Bytes(): owner warp, a plane
// tag byte, then whichever of OwnerNode/OwnerEdge the plane selects.
func (c *cursor) takeAttachmentKey() (id.AttachmentKey, error) {
	owner, err := c.takeHash()
	if err != nil {
		return id.AttachmentKey{}, err
	}
	planeByte, err := c.takeByte()
	if err != nil {
		return id.AttachmentKey{}, err
	}
	key := id.AttachmentKey{OwnerWarp: id.WarpID(owner), Plane: id.Plane(planeByte)}
	slot, err := c.takeHash()
	if err != nil {
		return id.AttachmentKey{}, err
	}
	if key.Plane == id.PlaneNode {
		key.OwnerNode = id.NodeID(slot)
	} else {
		key.OwnerEdge = id.EdgeID(slot)
	}
	return key, nil
}

// takeAttachmentPtr mirrors appendAttachmentPtr's absent/portal/atom tags.
func (c *cursor) takeAttachmentPtr() (*graph.AttachmentValue, error) {
	tag, err := c.takeByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
		return nil, nil
	case 1:
		childWarp, err := c.takeHash()
		if err != nil {
			return nil, err
		}
		v := graph.Descend(id.WarpID(childWarp))
		return &v, nil
	case 2:
		atomType, err := c.takeHash()
		if err != nil {
			return nil, err
		}
		n, err := c.takeU64()
		if err != nil {
			return nil, err
		}
		payload, err := c.take(int(n))
		if err != nil {
			return nil, err
		}
		v := graph.Atom(id.TypeID(atomType), append([]byte(nil), payload...))
		return &v, nil
	default:
		return nil, fmt.Errorf("patch: unknown attachment tag %d during decode", tag)
	}
}

func appendOp(buf []byte, op engine.WarpOp) []byte {
	buf = append(buf, byte(op.Kind))
	switch op.Kind {
	case engine.OpInsertNode:
		buf = append(buf, op.Node.Bytes()...)
		buf = append(buf, op.NodeRecord.Type.Bytes()...)
	case engine.OpDeleteNode:
		buf = append(buf, op.Node.Bytes()...)
	case engine.OpInsertEdge:
		buf = append(buf, op.Edge.Bytes()...)
		buf = append(buf, op.EdgeRecord.From.Bytes()...)
		buf = append(buf, op.EdgeRecord.To.Bytes()...)
		buf = append(buf, op.EdgeRecord.Type.Bytes()...)
	case engine.OpDeleteEdge:
		buf = append(buf, op.Edge.Bytes()...)
		buf = append(buf, op.EdgeFrom.Bytes()...)
	case engine.OpSetAttachment, engine.OpRewrite:
		buf = append(buf, op.Attachment.Bytes()...)
		buf = appendAttachmentPtr(buf, op.Value)
	case engine.OpOpenPortal:
		buf = append(buf, op.Attachment.Bytes()...)
		buf = append(buf, op.ChildWarp.Bytes()...)
		buf = append(buf, op.ChildRoot.Bytes()...)
		buf = appendAttachmentPtr(buf, op.Init)
	}
	return buf
}

func appendAttachmentPtr(buf []byte, v *graph.AttachmentValue) []byte {
	if v == nil {
		return append(buf, 0) // absent
	}
	if v.IsPortal {
		buf = append(buf, 1) // portal tag
		return append(buf, v.ChildWarp.Bytes()...)
	}
	buf = append(buf, 2) // atom tag
	buf = append(buf, v.AtomType.Bytes()...)
	buf = appendU64(buf, uint64(len(v.AtomBytes)))
	return append(buf, v.AtomBytes...)
}

// StateRoot computes the per-warp-tree state root: the domain tag, the
// root binding, and then every reachable instance's header plus its
// store's canonical node/edge sections, in the instance order
// warp.State.ReachableInstances already guarantees (root first, then
// ascending WarpID) — so unreachable instances never contribute
// (spec.md §4.7, P1).
func StateRoot(state *warp.State) (id.Hash, error) {
	root, ok := state.Instance(state.RootID)
	if !ok {
		return id.Hash{}, ErrNoRootInstance
	}
	instances, err := state.ReachableInstances()
	if err != nil {
		return id.Hash{}, err
	}

	var buf []byte
	buf = append(buf, root.WarpID.Bytes()...)
	buf = append(buf, root.RootNode.Bytes()...)

	for _, inst := range instances {
		buf = append(buf, inst.WarpID.Bytes()...)
		buf = append(buf, inst.RootNode.Bytes()...)
		if inst.Parent == nil {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
			buf = append(buf, inst.Parent.Bytes()...)
		}
		store, ok := state.Store(inst.WarpID)
		if !ok {
			continue
		}
		buf = append(buf, store.CanonicalStateHash()...)
	}

	return id.Sum(id.DomainStateRoot, buf), nil
}

// CommitHash computes the v2 commit hash chaining parents, state_root,
// patch_digest, and policy_id (spec.md §4.7).
func CommitHash(parents []id.Hash, stateRoot, patchDigest id.Hash, policyID uint32) id.Hash {
	var buf []byte
	buf = appendU16(buf, 2) // version
	buf = appendU64(buf, uint64(len(parents)))
	for _, p := range parents {
		buf = append(buf, p.Bytes()...)
	}
	buf = append(buf, stateRoot.Bytes()...)
	buf = append(buf, patchDigest.Bytes()...)
	buf = appendU32(buf, policyID)
	return id.Sum(id.DomainCommitV2, buf)
}

// Replay applies p's ops to state, deterministically and independent of
// execution order since ops are already canonically sorted: it re-
// establishes indexes via the same ApplyOp path the engine's own apply
// step uses, then validates portal invariants and rejects the replay if
// they do not hold (spec.md §4.7).
func Replay(state *warp.State, p WorldlineTickPatchV1) error {
	store, ok := state.Store(p.WarpID)
	if !ok {
		return errors.New("patch: replay target warp not found")
	}
	for _, op := range p.Ops {
		if err := engine.ApplyOp(state, store, op); err != nil {
			return err
		}
	}
	return state.ValidatePortals()
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
