package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/ptq/pkg/calib"
)

// session is one calibration run. Its mutex serializes collect and reset,
// since a MaxCalibrator is single-goroutine.
type session struct {
	mu        sync.Mutex
	id        string
	createdAt time.Time
	axis      []int
	cal       *calib.MaxCalibrator
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session),
	}
}

func (s *SessionStore) Create(cfg calib.Config, now time.Time) *session {
	sess := &session{
		id:        newSessionID(),
		createdAt: now,
		axis:      cfg.Axis,
		cal:       calib.NewMax(cfg),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *SessionStore) Get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func newSessionID() string {
	return "calib_" + uuid.NewString()
}
