package userhub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/store"
)

// Registry owns one Hub per user_id, constructing and starting a
// Hub's actor loop the first time that user is addressed. The
// original source's per-tenant Durable Object instantiation becomes,
// here, a lazily-populated map guarded by a mutex — the only lock in
// this package, since everything past construction runs inside each
// Hub's own actor.
type Registry struct {
	log          zerolog.Logger
	clientsRepo  *store.Clients
	proxyTimeout time.Duration
	ctx          context.Context

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry constructs a Registry. ctx governs the lifetime of every
// Hub it starts; cancelling it shuts every Hub down.
func NewRegistry(ctx context.Context, log zerolog.Logger, clientsRepo *store.Clients, proxyTimeout time.Duration) *Registry {
	return &Registry{
		log:          log,
		clientsRepo:  clientsRepo,
		proxyTimeout: proxyTimeout,
		ctx:          ctx,
		hubs:         make(map[string]*Hub),
	}
}

// Get returns the Hub for userID, constructing and starting it on
// first access.
func (r *Registry) Get(userID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hubs[userID]; ok {
		return h
	}
	h := New(userID, r.log, r.clientsRepo, r.proxyTimeout)
	r.hubs[userID] = h
	go h.Run(r.ctx)
	return h
}
