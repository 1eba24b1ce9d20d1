// Package session implements the per-user session engine: the state store,
// the command state machine, and the idle sweep.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/zulandar/splicer/internal/fragment"
	"github.com/zulandar/splicer/internal/workspace"
)

// State is a session's position in the command state machine.
type State int

const (
	Idle State = iota
	Initialized
	AwaitingFiles
	Ready
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initialized:
		return "initialized"
	case AwaitingFiles:
		return "awaiting_files"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	}
	return "unknown"
}

// Session is one owner's working record. Fields are only read or written
// inside Store.Update for the session's owner.
type Session struct {
	Owner          string
	State          State
	Files          []workspace.FileRef
	Pre            fragment.Fragment
	Post           fragment.Fragment
	Workspace      *workspace.Workspace
	CreatedAt      time.Time
	LastActivityAt time.Time
	Runs           int

	uploads int           // staging operations in flight
	cancel  func(error)   // cancels the in-flight execution
	done    chan struct{} // closed when the in-flight execution returns
}

// settle derives the resting state from what the session holds.
func (s *Session) settle() {
	switch {
	case len(s.Files) > 0:
		s.State = Ready
	case !s.Pre.IsEmpty() || !s.Post.IsEmpty():
		s.State = AwaitingFiles
	default:
		s.State = Initialized
	}
}

// Snapshot is a read-only copy of a session, safe to hand to other goroutines.
type Snapshot struct {
	Owner          string    `json:"owner"`
	State          string    `json:"state"`
	Files          []string  `json:"files"`
	Pre            string    `json:"pre"`
	Post           string    `json:"post"`
	WorkspaceID    string    `json:"workspace_id"`
	UsedBytes      int64     `json:"used_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Runs           int       `json:"runs"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Owner:          s.Owner,
		State:          s.State.String(),
		Files:          make([]string, len(s.Files)),
		Pre:            s.Pre.String(),
		Post:           s.Post.String(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		Runs:           s.Runs,
	}
	for i, f := range s.Files {
		snap.Files[i] = f.Name
		snap.UsedBytes += f.Size
	}
	if s.Workspace != nil {
		snap.WorkspaceID = s.Workspace.ID
	}
	return snap
}

// Store maps owners to sessions. Each owner has its own lock, so work on one
// owner never waits on another; the map lock is held only to find a slot.
type Store struct {
	now func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu   sync.Mutex
	refs int // guarded by Store.mu
	sess *Session
}

// NewStore creates an empty Store. now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, slots: make(map[string]*slot)}
}

// Txn is the view of one owner's slot inside Update.
type Txn struct {
	owner string
	slot  *slot
	now   time.Time
}

// Session returns the owner's session, or nil.
func (t *Txn) Session() *Session { return t.slot.sess }

// CreateOrReplace installs a fresh session for the owner and returns it.
// Any previous session is dropped; its resources are the caller's problem.
func (t *Txn) CreateOrReplace() *Session {
	t.slot.sess = &Session{
		Owner:          t.owner,
		State:          Idle,
		CreatedAt:      t.now,
		LastActivityAt: t.now,
	}
	return t.slot.sess
}

// Remove drops the owner's session and returns it, or nil if there was none.
func (t *Txn) Remove() *Session {
	s := t.slot.sess
	t.slot.sess = nil
	return s
}

// Touch marks the session active now.
func (t *Txn) Touch() {
	if t.slot.sess != nil {
		t.slot.sess.LastActivityAt = t.now
	}
}

// Now is the time the transaction started.
func (t *Txn) Now() time.Time { return t.now }

// Update runs fn with exclusive access to owner's slot. Calls for the same
// owner are serialized; calls for different owners run in parallel.
func (s *Store) Update(owner string, fn func(*Txn) error) error {
	sl := s.acquire(owner, true)
	defer s.release(owner, sl)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return fn(&Txn{owner: owner, slot: sl, now: s.now()})
}

// Get returns a snapshot of owner's session.
func (s *Store) Get(owner string) (Snapshot, bool) {
	sl := s.acquire(owner, false)
	if sl == nil {
		return Snapshot{}, false
	}
	defer s.release(owner, sl)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.sess == nil {
		return Snapshot{}, false
	}
	return sl.sess.snapshot(), true
}

// Owners returns every owner with a slot, sorted. A slot may be empty by the
// time the caller looks at it; re-check inside Update.
func (s *Store) Owners() []string {
	s.mu.Lock()
	owners := make([]string, 0, len(s.slots))
	for o := range s.slots {
		owners = append(owners, o)
	}
	s.mu.Unlock()
	sort.Strings(owners)
	return owners
}

// Len returns the number of owners with a slot.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Store) acquire(owner string, create bool) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[owner]
	if !ok {
		if !create {
			return nil
		}
		sl = &slot{}
		s.slots[owner] = sl
	}
	sl.refs++
	return sl
}

// release drops a reference and deletes the slot once nobody holds it and it
// carries no session. The last holder's writes to sl.sess happen before its
// Store.mu acquisition here, so reading sess is safe.
func (s *Store) release(owner string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 && sl.sess == nil {
		delete(s.slots, owner)
	}
}
