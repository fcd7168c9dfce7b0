// Package subscribe tracks each user's live transport handles and fans
// bus-delivered group messages out to them.
package subscribe

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/domain"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/subject"
)

// Bus is the subset of the message bus the registry needs.
type Bus interface {
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Unsubscribe(subject string) error
}

// Options tune the registry.
type Options struct {
	// MaxSessionDuration force-closes every handle this long after it
	// subscribes, regardless of client activity.
	MaxSessionDuration time.Duration

	// FanoutWorkers bounds the number of concurrent sends during delivery.
	FanoutWorkers int
}

type entry struct {
	handles map[Handle]*time.Timer
}

// Registry maps each user to their set of live handles and owns the bus
// subscription for that user's subject: the first handle subscribes, the
// last one out unsubscribes.
//
// All bus subscribe/unsubscribe calls happen while holding mu, so a set
// change and its bus side effect are atomic with respect to other registry
// operations.
type Registry struct {
	bus     Bus
	metrics *metrics.Registry
	logger  *zap.Logger
	opts    Options

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	stopped bool

	sem chan struct{}
}

func NewRegistry(bus Bus, m *metrics.Registry, logger *zap.Logger, opts Options) *Registry {
	if opts.MaxSessionDuration <= 0 {
		opts.MaxSessionDuration = 15 * time.Minute
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = 32
	}
	return &Registry{
		bus:     bus,
		metrics: m,
		logger:  logger,
		opts:    opts,
		entries: make(map[uuid.UUID]*entry),
		sem:     make(chan struct{}, opts.FanoutWorkers),
	}
}

// Subscribe adds handle to the user's set. The first handle for a user
// establishes the bus subscription on that user's subject. The handle is
// force-closed after MaxSessionDuration and unsubscribed whenever it
// completes.
func (r *Registry) Subscribe(userID uuid.UUID, h Handle) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errors.New("registry is stopped")
	}
	e := r.entries[userID]
	if e == nil {
		if err := r.bus.Subscribe(subject.GroupChannel(userID), r.dispatch); err != nil {
			r.mu.Unlock()
			return err
		}
		e = &entry{handles: make(map[Handle]*time.Timer)}
		r.entries[userID] = e
	}
	e.handles[h] = time.AfterFunc(r.opts.MaxSessionDuration, h.Close)
	count := len(e.handles)
	r.mu.Unlock()

	r.metrics.Subscriptions.OnlineUsers.Inc()
	h.OnComplete(func() { r.Unsubscribe(userID, h) })
	r.logger.Info("user subscribed",
		zap.String("user", userID.String()),
		zap.Int("subscriptions", count))
	return nil
}

// Unsubscribe removes handle from the user's set; removing the last handle
// drops the bus subscription. Unknown handles are ignored, which makes the
// completion callback idempotent.
func (r *Registry) Unsubscribe(userID uuid.UUID, h Handle) {
	r.mu.Lock()
	e := r.entries[userID]
	if e == nil {
		r.mu.Unlock()
		return
	}
	timer, ok := e.handles[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	timer.Stop()
	delete(e.handles, h)
	count := len(e.handles)
	if count == 0 {
		delete(r.entries, userID)
		if err := r.bus.Unsubscribe(subject.GroupChannel(userID)); err != nil {
			r.logger.Warn("bus unsubscribe failed",
				zap.String("user", userID.String()), zap.Error(err))
		}
	}
	r.mu.Unlock()

	r.metrics.Subscriptions.OnlineUsers.Dec()
	r.logger.Info("user unsubscribed",
		zap.String("user", userID.String()),
		zap.Int("subscriptions", count))
}

// Deliver sends payload to every live handle of the user, in parallel through
// the bounded worker pool. A failing handle is closed; other sends proceed.
func (r *Registry) Deliver(userID uuid.UUID, payload string) {
	r.mu.Lock()
	e := r.entries[userID]
	handles := make([]Handle, 0, 4)
	if e != nil {
		for h := range e.handles {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		r.sem <- struct{}{}
		wg.Add(1)
		go func(h Handle) {
			defer func() {
				<-r.sem
				wg.Done()
			}()
			if err := h.SendText(payload); err != nil {
				r.metrics.Messages.DeliveryErrors.Inc()
				r.logger.Warn("dropping broken subscriber",
					zap.String("user", userID.String()), zap.Error(err))
				h.Close()
				return
			}
			r.metrics.Messages.Delivered.Inc()
		}(h)
	}
	wg.Wait()
}

// dispatch is the shared bus handler: it decodes the subject back to a user,
// validates the payload and fans it out. Undecodable payloads are dropped;
// the bus does not redeliver them.
func (r *Registry) dispatch(subj string, data []byte) {
	userID, err := subject.GroupChannelUser(subj)
	if err != nil {
		r.metrics.Messages.Dropped.Inc()
		r.logger.Warn("message on unexpected subject", zap.String("subject", subj), zap.Error(err))
		return
	}
	var dto domain.GroupMessageDto
	if err := json.Unmarshal(data, &dto); err != nil {
		r.metrics.Messages.Dropped.Inc()
		r.logger.Warn("dropping undecodable group message",
			zap.String("subject", subj), zap.Error(err))
		return
	}
	r.Deliver(userID, string(data))
}

// Online returns the total number of live handles across all users.
func (r *Registry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, e := range r.entries {
		total += len(e.handles)
	}
	return total
}

// Stop closes every handle, cancels the session timers and drops all bus
// subscriptions. The registry refuses new subscriptions afterwards.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	entries := r.entries
	r.entries = make(map[uuid.UUID]*entry)
	var handles []Handle
	for userID, e := range entries {
		for h, timer := range e.handles {
			timer.Stop()
			handles = append(handles, h)
		}
		if err := r.bus.Unsubscribe(subject.GroupChannel(userID)); err != nil {
			r.logger.Warn("bus unsubscribe failed",
				zap.String("user", userID.String()), zap.Error(err))
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	r.metrics.Subscriptions.OnlineUsers.Sub(float64(len(handles)))
}
