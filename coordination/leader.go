// Package coordination provides the Redis-lease leader election that
// keeps exactly one evaluator and one dispatcher loop active across
// replicas.
package coordination

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opsconductor/pulse/observability"
	"github.com/opsconductor/pulse/store"
)

// LeaderElector competes for a named lease and runs callbacks on
// leadership transitions. The lease renews at ttl/3; repeated renew
// failures force a step-down so two nodes can never both believe they
// lead past one TTL.
type LeaderElector struct {
	coordinator store.Coordinator
	role        string
	nodeID      string
	lockKey     string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	leaderCancel context.CancelFunc

	onElected func(ctx context.Context)
	onLost    func()
}

func NewLeaderElector(c store.Coordinator, role, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		role:        role,
		nodeID:      nodeID,
		lockKey:     "pulse:lock:" + role,
		ttl:         ttl,
	}
}

// SetCallbacks registers the transition hooks. onElected receives a
// context that is cancelled when leadership is lost.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start launches the election loop. It returns immediately.
func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	const maxRenewFailures = 3
	renewFailures := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
				l.stepDown()
			}
			return
		case <-timer.C:
			if l.IsLeader() {
				renewed, err := l.coordinator.RenewLock(ctx, l.lockKey, l.nodeID, l.ttl)
				switch {
				case err != nil:
					renewFailures++
					log.Printf("[LEADER] %s renew failed (%d/%d): %v", l.role, renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						l.stepDown()
						renewFailures = 0
					}
				case !renewed:
					l.stepDown()
					renewFailures = 0
				default:
					renewFailures = 0
				}
			} else {
				acquired, err := l.coordinator.AcquireLock(ctx, l.lockKey, l.nodeID, l.ttl)
				if err != nil {
					log.Printf("[LEADER] %s acquire failed: %v", l.role, err)
				} else if acquired {
					l.becomeLeader()
				}
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.mu.Unlock()

	observability.LeaderStatus.WithLabelValues(l.role, l.nodeID).Set(1)
	log.Printf("[LEADER] node %s elected for role %s", l.nodeID, l.role)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.WithLabelValues(l.role, l.nodeID).Set(0)
	log.Printf("[LEADER] node %s lost role %s", l.nodeID, l.role)

	if l.onLost != nil {
		l.onLost()
	}
}

func (l *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLock(ctx, l.lockKey, l.nodeID); err != nil {
		log.Printf("[LEADER] %s release failed: %v", l.role, err)
	}
}
