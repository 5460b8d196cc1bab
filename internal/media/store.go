// Package media holds synthesized audio behind opaque, locally resolvable
// handles. A handle stays valid until its owner releases it.
package media

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrReleased is returned for handles that were released or never existed.
var ErrReleased = errors.New("audio handle released")

// Handle identifies one stored clip. URL is what the page plays.
type Handle struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Clip is the stored audio.
type Clip struct {
	Data        []byte
	ContentType string
	Created     time.Time
}

// Store keeps clips in memory until they are released.
type Store struct {
	prefix string
	mu     sync.RWMutex
	clips  map[string]Clip
}

// NewStore returns a store whose handle URLs start with prefix, e.g. "/audio/".
func NewStore(prefix string) *Store {
	return &Store{prefix: prefix, clips: make(map[string]Clip)}
}

// Put stores data and returns a new handle for it.
func (s *Store) Put(data []byte, contentType string) Handle {
	id := uuid.NewString()
	s.mu.Lock()
	s.clips[id] = Clip{Data: data, ContentType: contentType, Created: time.Now()}
	s.mu.Unlock()
	return Handle{ID: id, URL: s.prefix + id}
}

// Get resolves a handle id.
func (s *Store) Get(id string) (Clip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clip, ok := s.clips[id]
	if !ok {
		return Clip{}, ErrReleased
	}
	return clip, nil
}

// Release frees the clip behind id. Releasing twice is a no-op.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clips[id]; !ok {
		return false
	}
	delete(s.clips, id)
	return true
}

// Live reports how many handles are outstanding.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}
