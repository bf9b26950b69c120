package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// MemoryStore keeps messages and memberships in process. Rooms are open
// unless marked private with SetPrivate.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]contract.MessageRecord
	order    []string
	private  map[string]bool
	members  map[string]map[string]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]contract.MessageRecord),
		private:  make(map[string]bool),
		members:  make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// SetPrivate marks roomID private and adds members to it.
func (s *MemoryStore) SetPrivate(roomID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private[roomID] = true
	for _, m := range members {
		s.addMember(roomID, m)
	}
}

func (s *MemoryStore) addMember(roomID, userID string) bool {
	set := s.members[roomID]
	if set == nil {
		set = make(map[string]struct{})
		s.members[roomID] = set
	}
	if _, ok := set[userID]; ok {
		return false
	}
	set[userID] = struct{}{}
	return true
}

func (s *MemoryStore) CreateMessage(_ context.Context, req contract.CreateMessageRequest) (contract.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID != "" {
		if rec, ok := s.messages[req.ID]; ok {
			return rec, nil
		}
	}
	rec := newRecord(req, s.now)
	s.messages[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, roomID, senderID, content string) (contract.MessageRecord, error) {
	return s.CreateMessage(ctx, contract.CreateMessageRequest{RoomID: roomID, SenderID: senderID, Content: content})
}

func (s *MemoryStore) Record(ctx context.Context, rec contract.MessageRecord) error {
	_, err := s.CreateMessage(ctx, contract.CreateMessageRequest(rec))
	return err
}

func (s *MemoryStore) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.private[roomID] {
		return true, nil
	}
	_, ok := s.members[roomID][userID]
	return ok, nil
}

func (s *MemoryStore) Join(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.private[roomID] {
		if _, ok := s.members[roomID][userID]; !ok {
			return false, nil
		}
		return true, nil
	}
	s.addMember(roomID, userID)
	return true, nil
}

func (s *MemoryStore) Leave(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.private[roomID] {
		return false, nil
	}
	set := s.members[roomID]
	if _, ok := set[userID]; !ok {
		return false, nil
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(s.members, roomID)
	}
	return true, nil
}

// Messages returns the stored messages of roomID in insertion order.
func (s *MemoryStore) Messages(roomID string) []contract.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.MessageRecord
	for _, id := range s.order {
		if rec := s.messages[id]; rec.RoomID == roomID {
			out = append(out, rec)
		}
	}
	return out
}

// Members returns the recorded members of roomID, sorted.
func (s *MemoryStore) Members(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members[roomID]))
	for m := range s.members[roomID] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func newRecord(req contract.CreateMessageRequest, now func() time.Time) contract.MessageRecord {
	rec := contract.MessageRecord(req)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = now().UnixMilli()
	}
	return rec
}
