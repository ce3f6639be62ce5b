package coordinator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateSession は同じIDのセッションが既に登録されていることを示す。
var ErrDuplicateSession = errors.New("セッションIDが重複しています")

// Session は接続中のボット運用セッション。
// Clientは登録時に1度だけ生成され、セッションの存続中は差し替えない。
type Session struct {
	ID          string
	Client      *Client
	ConnectedAt time.Time
}

// Registry は接続中セッションのプロセス全体の表。
// 登録・削除・列挙は任意のゴルーチンから同時に行ってよい。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register はセッションを登録する。同じIDが既に登録されている場合はエラーを返す。
func (r *Registry) Register(id string, client *Client) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	s := &Session{ID: id, Client: client, ConnectedAt: time.Now()}
	r.sessions[id] = s
	return s, nil
}

// Unregister はセッションを削除する。登録されていた場合はtrueを返す。
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get は指定IDのセッションを返す。存在しない場合はnil。
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Contains は指定IDのセッションが接続中かを返す。
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// All は接続中セッションのスナップショットをID順で返す。
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs は接続中セッションのIDをID順で返す。
func (r *Registry) IDs() []string {
	sessions := r.All()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

// Len は接続中セッション数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
