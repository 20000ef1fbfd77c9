package sqlite

import (
	"time"
)

func heartbeatKey(owner, id string) string {
	return owner + "/" + id
}

func (s *Store) reserveHeartbeat(owner, id string, now time.Time) bool {
	if id == "" {
		return false
	}
	key := heartbeatKey(owner, id)

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastHeartbeat[key]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastHeartbeat[key] = now
	return true
}

func (s *Store) rollbackHeartbeat(owner, id string, reservedAt time.Time) {
	key := heartbeatKey(owner, id)
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastHeartbeat[key]; ok && last.Equal(reservedAt) {
		delete(s.lastHeartbeat, key)
	}
}

func (s *Store) forgetHeartbeat(owner, id string) {
	s.touchMu.Lock()
	delete(s.lastHeartbeat, heartbeatKey(owner, id))
	s.touchMu.Unlock()
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for key, last := range s.lastHeartbeat {
		if last.Before(cutoff) {
			delete(s.lastHeartbeat, key)
		}
	}
}
