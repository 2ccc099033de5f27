// Package session implements view sessions and the Truth Bus (spec.md
// §4.11): a session binds to one active playback cursor and a set of
// subscribed channels, and on every engine step publishes a CursorReceipt
// plus one TruthFrame per subscribed channel, sourced from the cursor's
// worldline's recorded outputs. Clients treat a TruthFrame as a complete
// replacement value; they never apply diffs or replay.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/playback"
	"github.com/flyingrobots/echo/project"
	"github.com/flyingrobots/echo/worldline"
)

// Errors returned by Manager operations.
var (
	ErrCursorNotFound  = errors.New("session: cursor not found")
	ErrSessionNotFound = errors.New("session: session not found")
)

// CursorReceipt identifies which worldline tick a session's active cursor
// was at when a TruthFrame was published (spec.md §3).
type CursorReceipt struct {
	SessionID   id.SessionID
	CursorID    id.CursorID
	WorldlineID id.WarpID
	WarpID      id.WarpID
	Tick        uint64
	CommitHash  id.Hash
}

// TruthFrame is one subscribed channel's authoritative value at the
// receipt's tick (spec.md §4.11).
type TruthFrame struct {
	Cursor    CursorReceipt
	Channel   id.ChannelID
	Value     []byte
	ValueHash id.Hash
}

// ViewSession binds one active cursor to a set of subscribed channels
// (spec.md §3, §4.11).
type ViewSession struct {
	ID            id.SessionID
	ActiveCursor  id.CursorID
	subscriptions map[id.ChannelID]bool
}

// Subscriptions returns session's subscribed channels in ascending
// ChannelID order.
func (s *ViewSession) Subscriptions() []id.ChannelID {
	out := make([]id.ChannelID, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(id.Hash(out[i]), id.Hash(out[j])) })
	return out
}

// SessionPublish is one session's publish result for a single engine step
// (spec.md §4.11 steps 1-2).
type SessionPublish struct {
	SessionID id.SessionID
	Receipt   CursorReceipt
	Frames    []TruthFrame
}

// Manager owns every live cursor and session and drives the host
// interface spec.md §6 describes: create_cursor, set_cursor_mode,
// create_session, session_subscribe, session_unsubscribe,
// session_set_active_cursor, drop_cursor, drop_session, plus the
// per-engine-step Truth Bus publish.
type Manager struct {
	mu       sync.Mutex
	store    worldline.ProvenanceStore
	cursors  map[id.CursorID]*playback.Cursor
	sessions map[id.SessionID]*ViewSession
}

// NewManager returns a Manager whose cursors read from and (for Writer
// cursors) extend store.
func NewManager(store worldline.ProvenanceStore) *Manager {
	return &Manager{
		store:    store,
		cursors:  make(map[id.CursorID]*playback.Cursor),
		sessions: make(map[id.SessionID]*ViewSession),
	}
}

// CreateCursor implements the create_cursor host operation.
func (m *Manager) CreateCursor(cid id.CursorID, worldlineID id.WarpID, startTick uint64, role playback.Role) (*playback.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := playback.NewCursor(cid, m.store, worldlineID, startTick, role)
	if err != nil {
		return nil, err
	}
	m.cursors[cid] = cur
	return cur, nil
}

// SetCursorMode implements the set_cursor_mode host operation.
func (m *Manager) SetCursorMode(cid id.CursorID, mode playback.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[cid]
	if !ok {
		return ErrCursorNotFound
	}
	cur.SetMode(mode)
	return nil
}

// DropCursor implements the drop_cursor host operation.
func (m *Manager) DropCursor(cid id.CursorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[cid]; !ok {
		return ErrCursorNotFound
	}
	delete(m.cursors, cid)
	return nil
}

// CreateSession implements the create_session host operation.
func (m *Manager) CreateSession(sid id.SessionID, activeCursor id.CursorID) (*ViewSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[activeCursor]; !ok {
		return nil, ErrCursorNotFound
	}
	s := &ViewSession{ID: sid, ActiveCursor: activeCursor, subscriptions: make(map[id.ChannelID]bool)}
	m.sessions[sid] = s
	return s, nil
}

// DropSession implements the drop_session host operation.
func (m *Manager) DropSession(sid id.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sid]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sid)
	return nil
}

// SessionSubscribe implements the session_subscribe host operation.
func (m *Manager) SessionSubscribe(sid id.SessionID, channel id.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return ErrSessionNotFound
	}
	s.subscriptions[channel] = true
	return nil
}

// SessionUnsubscribe implements the session_unsubscribe host operation.
func (m *Manager) SessionUnsubscribe(sid id.SessionID, channel id.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return ErrSessionNotFound
	}
	delete(s.subscriptions, channel)
	return nil
}

// SessionSetActiveCursor implements session_set_active_cursor: the bus
// immediately enqueues a receipt and a full set of truth frames for the
// new cursor's current tick, without waiting for the next engine step
// (spec.md §4.11). Subscribers are unchanged; they do not resubscribe.
func (m *Manager) SessionSetActiveCursor(sid id.SessionID, cursor id.CursorID) (SessionPublish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return SessionPublish{}, ErrSessionNotFound
	}
	cur, ok := m.cursors[cursor]
	if !ok {
		return SessionPublish{}, ErrCursorNotFound
	}
	s.ActiveCursor = cursor
	return m.publishSessionLocked(s, cur)
}

// PublishTick runs, for every session, one engine-step's worth of Truth
// Bus publish (spec.md §4.11 steps 1-2): a CursorReceipt for the
// session's active cursor plus a TruthFrame per subscribed channel,
// sourced from the cursor's worldline's recorded outputs at its current
// tick. Sessions publish in ascending SessionID order, so two runs over
// identical state always publish in the same order.
func (m *Manager) PublishTick() ([]SessionPublish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]id.SessionID, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool { return id.Less(id.Hash(ids[i]), id.Hash(ids[j])) })

	out := make([]SessionPublish, 0, len(ids))
	for _, sid := range ids {
		s := m.sessions[sid]
		cur, ok := m.cursors[s.ActiveCursor]
		if !ok {
			return nil, fmt.Errorf("session: %w: active cursor for session %s", ErrCursorNotFound, sid)
		}
		pub, err := m.publishSessionLocked(s, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, pub)
	}
	return out, nil
}

func (m *Manager) publishSessionLocked(s *ViewSession, cur *playback.Cursor) (SessionPublish, error) {
	receipt := CursorReceipt{
		SessionID:   s.ID,
		CursorID:    cur.ID,
		WorldlineID: cur.WorldlineID,
		WarpID:      cur.WarpID,
		Tick:        cur.Tick,
		CommitHash:  cur.CommitHash(),
	}

	var outputs []worldline.Output
	if cur.Started() {
		var err error
		outputs, err = m.store.Outputs(cur.WorldlineID, cur.Tick)
		if err != nil {
			return SessionPublish{}, err
		}
	}
	byChannel := make(map[id.ChannelID][]byte, len(outputs))
	for _, o := range outputs {
		byChannel[o.Channel] = o.Value
	}

	frames := make([]TruthFrame, 0, len(s.subscriptions))
	for _, ch := range s.Subscriptions() {
		value, ok := byChannel[ch]
		if !ok {
			continue
		}
		frames = append(frames, TruthFrame{
			Cursor:    receipt,
			Channel:   ch,
			Value:     value,
			ValueHash: id.Sum("", value),
		})
	}

	return SessionPublish{SessionID: s.ID, Receipt: receipt, Frames: frames}, nil
}

// StepAndPublish calls Advance on every Writer cursor this Manager owns,
// in ascending CursorID order, and then publishes every session's Truth
// Bus frames for the resulting state. It does not step runner itself:
// each Writer in Play or StepForward mode runs one engine tick through
// runner, so the tick count equals the number of such Writers (none when
// every Writer is Paused). Reader cursors are not advanced. This is the
// convenience path a host loop drives once per engine step; cursors not
// owned by this Manager (e.g. a Reader with a pinned replay loop of its
// own) must be advanced independently before calling PublishTick.
func (m *Manager) StepAndPublish(runner *project.Runner) ([]SessionPublish, error) {
	m.mu.Lock()
	cursors := make([]*playback.Cursor, 0, len(m.cursors))
	for _, cur := range m.cursors {
		cursors = append(cursors, cur)
	}
	m.mu.Unlock()

	sort.Slice(cursors, func(i, j int) bool { return id.Less(id.Hash(cursors[i].ID), id.Hash(cursors[j].ID)) })
	for _, cur := range cursors {
		if cur.Role != playback.Writer {
			continue
		}
		if err := cur.Advance(runner); err != nil {
			return nil, err
		}
	}
	return m.PublishTick()
}
