package main

import (
	"context"
	"sync"

	"callrpc/target"

	"github.com/pkg/errors"
)

// User is the record served by UserService.
type User struct {
	ID    int64             `json:"id"`
	Name  string            `json:"name"`
	Email string            `json:"email,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// UserService is an in-memory user store.
type UserService struct {
	mu    sync.RWMutex
	users map[int64]*User
}

func NewUserService() *UserService {
	return &UserService{users: map[int64]*User{
		42: {ID: 42, Name: "ada", Email: "ada@example.com"},
	}}
}

func (s *UserService) GetUser(id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errors.Errorf("user %d not found", id)
	}
	return u, nil
}

func (s *UserService) SaveUser(ctx context.Context, u User) (int64, error) {
	if u.ID <= 0 {
		return 0, errors.New("user id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
	return u.ID, nil
}

func (s *UserService) ListUsers(ids []int64) []*User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

func (s *UserService) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Arith is a stateless calculator.
type Arith struct{}

func (a *Arith) Add(x, y int64) int64 {
	return x + y
}

func (a *Arith) Divide(x, y float64) (float64, error) {
	if y == 0 {
		return 0, errors.New("divide by zero")
	}
	return x / y, nil
}

func (a *Arith) Sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}

// demoTable registers the bundled targets. UserService also exposes its
// unexported count method as "count".
func demoTable() (*target.Table, error) {
	users := NewUserService()
	ut, err := target.NewTarget(users)
	if err != nil {
		return nil, err
	}
	if err := ut.Handle("count", users.count); err != nil {
		return nil, err
	}

	b := target.NewBuilder()
	if err := b.RegisterTarget("UserService", ut); err != nil {
		return nil, err
	}
	if err := b.Register(&Arith{}); err != nil {
		return nil, err
	}
	return b.Build(), nil
}
