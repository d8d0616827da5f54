package chatroom

import (
	"context"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Presence tracks which users have a room open.
type Presence interface {
	Add(ctx context.Context, teamID, userID string) error
	Remove(ctx context.Context, teamID, userID string) error
	Members(ctx context.Context, teamID string) ([]string, error)
}

type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Add(_ context.Context, teamID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[teamID] == nil {
		p.rooms[teamID] = make(map[string]struct{})
	}
	p.rooms[teamID][userID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, teamID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[teamID], userID)
	if len(p.rooms[teamID]) == 0 {
		delete(p.rooms, teamID)
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, teamID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := make([]string, 0, len(p.rooms[teamID]))
	for id := range p.rooms[teamID] {
		members = append(members, id)
	}
	slices.Sort(members)
	return members, nil
}

// RedisPresence keeps one set per team so several relays can share presence.
type RedisPresence struct {
	Client *redis.Client
	Prefix string
}

func NewRedisPresence(addr string) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPresence{Client: client, Prefix: "devconnect:presence:"}, nil
}

func (p *RedisPresence) key(teamID string) string {
	return p.Prefix + teamID
}

func (p *RedisPresence) Add(ctx context.Context, teamID, userID string) error {
	return p.Client.SAdd(ctx, p.key(teamID), userID).Err()
}

func (p *RedisPresence) Remove(ctx context.Context, teamID, userID string) error {
	return p.Client.SRem(ctx, p.key(teamID), userID).Err()
}

func (p *RedisPresence) Members(ctx context.Context, teamID string) ([]string, error) {
	members, err := p.Client.SMembers(ctx, p.key(teamID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(members)
	return members, nil
}

func (p *RedisPresence) Close() error {
	return p.Client.Close()
}
