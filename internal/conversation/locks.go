package conversation

import (
	"context"
	"sync"
)

type channelLock struct {
	sem  chan struct{}
	refs int
}

// ChannelLocks serializes work per channel while leaving different channels
// independent. Entries are dropped once nobody holds or waits on them.
type ChannelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

func NewChannelLocks() *ChannelLocks {
	return &ChannelLocks{locks: make(map[string]*channelLock)}
}

// Lock blocks until the channel is free or ctx ends. The returned func releases it.
func (l *ChannelLocks) Lock(ctx context.Context, channelID string) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[channelID]
	if !ok {
		cl = &channelLock{sem: make(chan struct{}, 1)}
		l.locks[channelID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-cl.sem
				l.release(channelID, cl)
			})
		}, nil
	case <-ctx.Done():
		l.release(channelID, cl)
		return nil, ctx.Err()
	}
}

func (l *ChannelLocks) release(channelID string, cl *channelLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, channelID)
	}
}

// Len is the number of channels currently locked or waited on.
func (l *ChannelLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
