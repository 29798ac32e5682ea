package tribes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devtribes/backend/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	tribes  map[uuid.UUID]*models.Tribe
	members map[uuid.UUID]map[uuid.UUID]string
	// users, when set, is the set of existing accounts
	users map[uuid.UUID]bool
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tribes:  make(map[uuid.UUID]*models.Tribe),
		members: make(map[uuid.UUID]map[uuid.UUID]string),
	}
}

func (s *fakeStore) seed(visibility string, members ...uuid.UUID) *models.Tribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &models.Tribe{ID: uuid.New(), Name: "Lagos Gophers", Slug: "lagos-gophers-" + uuid.NewString()[:8], Visibility: visibility, CreatedAt: time.Now()}
	s.tribes[t.ID] = t
	s.members[t.ID] = make(map[uuid.UUID]string)
	for _, m := range members {
		s.members[t.ID][m] = models.TribeRoleMember
	}
	return t
}

func (s *fakeStore) TribeExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.tribes[id]
	return ok, nil
}

func (s *fakeStore) IsMember(_ context.Context, tribeID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	_, ok := s.members[tribeID][userID]
	return ok, nil
}

func (s *fakeStore) Create(_ context.Context, t *models.Tribe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tribes {
		if existing.Slug == t.Slug {
			return ErrDuplicateSlug
		}
	}
	t.ID = uuid.New()
	t.MemberCount = 1
	s.tribes[t.ID] = t
	s.members[t.ID] = map[uuid.UUID]string{t.CreatedBy: models.TribeRoleAdmin}
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Tribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tribes[id]
	if !ok {
		return nil, ErrTribeNotFound
	}
	cp := *t
	cp.MemberCount = len(s.members[id])
	return &cp, nil
}

func (s *fakeStore) List(_ context.Context, limit, offset int) ([]*models.Tribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*models.Tribe, 0)
	for _, t := range s.tribes {
		if t.Visibility == models.TribePublic {
			list = append(list, t)
		}
	}
	return list, nil
}

func (s *fakeStore) ListForUser(_ context.Context, userID uuid.UUID) ([]*models.Tribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*models.Tribe, 0)
	for id, m := range s.members {
		if _, ok := m[userID]; ok {
			list = append(list, s.tribes[id])
		}
	}
	return list, nil
}

func (s *fakeStore) AddMember(_ context.Context, tribeID, userID uuid.UUID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users != nil && !s.users[userID] {
		return ErrUserNotFound
	}
	if _, ok := s.members[tribeID][userID]; !ok {
		s.members[tribeID][userID] = role
	}
	return nil
}

func (s *fakeStore) MemberRole(_ context.Context, tribeID, userID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.members[tribeID][userID]
	if !ok {
		return "", ErrNotMember
	}
	return role, nil
}

func (s *fakeStore) RemoveMember(_ context.Context, tribeID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[tribeID][userID]; !ok {
		return ErrNotMember
	}
	delete(s.members[tribeID], userID)
	return nil
}

func (s *fakeStore) ListMembers(_ context.Context, tribeID uuid.UUID) ([]models.TribeMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]models.TribeMember, 0)
	for userID, role := range s.members[tribeID] {
		list = append(list, models.TribeMember{TribeID: tribeID, UserID: userID, Role: role})
	}
	return list, nil
}
