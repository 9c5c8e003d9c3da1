package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
)

type watchMuxState int

const (
	watchDisconnected watchMuxState = iota
	watchConnecting
	watchStreaming
	watchClosed
)

func (s watchMuxState) String() string {
	switch s {
	case watchDisconnected:
		return "disconnected"
	case watchConnecting:
		return "connecting"
	case watchStreaming:
		return "streaming"
	default:
		return "closed"
	}
}

// Unbounded delivery queue of a subscription, drained into its channel by a pump goroutine
type watchQueue struct {
	mu     sync.Mutex
	items  []WatchBatch
	closed bool
	signal chan struct{}
	out    chan WatchBatch
}

func newWatchQueue() *watchQueue {
	return &watchQueue{
		signal: make(chan struct{}, 1),
		out:    make(chan WatchBatch),
	}
}

func (q *watchQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *watchQueue) push(batch WatchBatch) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, batch)
	q.mu.Unlock()
	q.notify()
}

// Batches already queued are still delivered
func (q *watchQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *watchQueue) pump(done <-chan struct{}) {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.items[0]
			q.items[0] = WatchBatch{}
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case q.out <- batch:
			case <-done:
				return
			}
			continue
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return
		}
		select {
		case <-q.signal:
		case <-done:
			return
		}
	}
}

// The stream was rejected for its token and a new token was obtained
var errStreamReauthenticated = errors.New("watch stream token refreshed")

type watchMessage struct {
	epoch uint64
	resp  *pb.WatchResponse
	err   error
}

/*
Multiplexes every subscription of the client over a single watch stream.
The stream is reopened on the current session whenever it is lost and the open subscriptions are re-issued
from the revision following the last event they received.
Creates are sent one at a time: the store acknowledges them in order, which maps each pending subscription
to the identifier the store assigned it.
*/
type watchMux struct {
	core      *clientCore
	logger    *zap.Logger
	kick      chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	state watchMuxState
	//Incremented every time a stream is opened. Responses of older streams are discarded.
	epoch   uint64
	nextId  int64
	handles map[int64]*WatchHandle
	byStore map[int64]*WatchHandle
	//Subscriptions waiting for their create to be sent on the current stream, in order
	unsent   []*WatchHandle
	inflight *WatchHandle
	cancels  []int64
	//Unknown store identifiers a cancel was already sent for on the current stream
	strays   map[int64]struct{}
	progress bool
}

func newWatchMux(core *clientCore) *watchMux {
	return &watchMux{
		core:    core,
		logger:  core.logger.Named("watch"),
		kick:    make(chan struct{}, 1),
		state:   watchDisconnected,
		handles: map[int64]*WatchHandle{},
		byStore: map[int64]*WatchHandle{},
		strays:  map[int64]struct{}{},
	}
}

func (m *watchMux) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *watchMux) currentState() watchMuxState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *watchMux) subscribe(opts SubscribeOptions) *WatchHandle {
	h := &WatchHandle{
		mux:     m,
		opts:    opts,
		storeId: -1,
		nextRev: opts.StartRevision,
		queue:   newWatchQueue(),
	}
	go h.queue.pump(m.core.ctx.Done())

	m.mu.Lock()
	if m.state == watchClosed {
		m.mu.Unlock()
		h.closed = true
		h.err = ErrClientClosed
		h.queue.push(WatchBatch{Err: ErrClientClosed})
		h.queue.close()
		return h
	}
	m.nextId++
	h.id = m.nextId
	m.handles[h.id] = h
	m.unsent = append(m.unsent, h)
	m.mu.Unlock()

	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
	m.signal()
	return h
}

func (m *watchMux) removeUnsent(h *WatchHandle) {
	for idx, candidate := range m.unsent {
		if candidate == h {
			m.unsent = append(m.unsent[:idx], m.unsent[idx+1:]...)
			return
		}
	}
}

// Must be called with the lock held
func (m *watchMux) closeHandle(h *WatchHandle, err error) {
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	delete(m.handles, h.id)
	if h.storeId >= 0 {
		delete(m.byStore, h.storeId)
		h.storeId = -1
	}
	if err != nil {
		h.queue.push(WatchBatch{Err: err})
	}
	h.queue.close()
}

func (m *watchMux) cancel(h *WatchHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.closed || h.cancelRequested {
		return
	}
	h.cancelRequested = true

	switch {
	case h.storeId >= 0:
		m.cancels = append(m.cancels, h.storeId)
		m.signal()
	case m.inflight == h:
		//The cancel is sent once the create is acknowledged
	default:
		//The subscription never reached the store on the current stream
		m.removeUnsent(h)
		m.closeHandle(h, nil)
	}
}

func (m *watchMux) requestProgress() {
	m.mu.Lock()
	m.progress = true
	m.mu.Unlock()
	m.signal()
}

func (h *WatchHandle) createRequest() *pb.WatchRequest {
	return &pb.WatchRequest{RequestUnion: &pb.WatchRequest_CreateRequest{CreateRequest: &pb.WatchCreateRequest{
		Key:            h.opts.Range.key(),
		RangeEnd:       h.opts.Range.rangeEnd(),
		StartRevision:  h.nextRev,
		PrevKv:         h.opts.PrevKv,
		ProgressNotify: h.opts.ProgressNotify,
	}}}
}

// Sends the pending cancels, the progress request and the next create. Only called by the stream goroutine.
func (m *watchMux) flush(stream pb.Watch_WatchClient) error {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	progress := m.progress
	m.progress = false
	var create *pb.WatchRequest
	if m.inflight == nil && len(m.unsent) > 0 {
		h := m.unsent[0]
		m.unsent = m.unsent[1:]
		m.inflight = h
		create = h.createRequest()
	}
	m.mu.Unlock()

	for _, id := range cancels {
		err := stream.Send(&pb.WatchRequest{RequestUnion: &pb.WatchRequest_CancelRequest{CancelRequest: &pb.WatchCancelRequest{WatchId: id}}})
		if err != nil {
			return err
		}
	}
	if progress {
		err := stream.Send(&pb.WatchRequest{RequestUnion: &pb.WatchRequest_ProgressRequest{ProgressRequest: &pb.WatchProgressRequest{}}})
		if err != nil {
			return err
		}
	}
	if create != nil {
		return stream.Send(create)
	}
	return nil
}

func cancelReasonError(resp *pb.WatchResponse) error {
	reason := resp.CancelReason
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Errorf("Watch cancelled by the store: %w", translateError(errors.New(reason)))
}

func (m *watchMux) onCreated(resp *pb.WatchResponse) {
	h := m.inflight
	m.inflight = nil
	m.signal()

	if h == nil {
		if !resp.Canceled {
			m.cancels = append(m.cancels, resp.WatchId)
		}
		return
	}

	if resp.Canceled {
		if resp.CompactRevision > 0 {
			m.closeHandle(h, fmt.Errorf("%w: cannot watch from revision %d, history compacted up to %d", ErrRevisionCompacted, h.nextRev, resp.CompactRevision))
			return
		}
		m.closeHandle(h, cancelReasonError(resp))
		return
	}

	h.storeId = resp.WatchId
	h.subscribed = true
	m.byStore[resp.WatchId] = h
	if h.nextRev == 0 {
		//Resubscriptions resume from here rather than from whatever the store revision is then
		h.nextRev = resp.Header.GetRevision() + 1
	}
	if h.cancelRequested {
		m.cancels = append(m.cancels, resp.WatchId)
	}
	m.logger.Debug("Subscription created", zap.Int64("subscription", h.id), zap.Int64("watch_id", resp.WatchId), zap.Int64("start_revision", h.nextRev))
}

func (m *watchMux) onCanceled(resp *pb.WatchResponse) {
	h, ok := m.byStore[resp.WatchId]
	if !ok {
		return
	}

	if resp.CompactRevision > 0 {
		m.closeHandle(h, fmt.Errorf("%w: cannot watch from revision %d, history compacted up to %d", ErrRevisionCompacted, h.nextRev, resp.CompactRevision))
		return
	}
	if h.cancelRequested {
		m.closeHandle(h, nil)
		return
	}
	m.closeHandle(h, cancelReasonError(resp))
}

func (m *watchMux) advance(h *WatchHandle, resp *pb.WatchResponse) {
	if resp.Header.GetRevision()+1 > h.nextRev {
		h.nextRev = resp.Header.GetRevision() + 1
	}
	if h.opts.ProgressNotify {
		h.queue.push(WatchBatch{Revision: resp.Header.GetRevision(), Progress: true})
	}
}

func (m *watchMux) onProgress(resp *pb.WatchResponse) {
	if resp.WatchId == -1 {
		for _, h := range m.byStore {
			m.advance(h, resp)
		}
		return
	}

	if h, ok := m.byStore[resp.WatchId]; ok {
		m.advance(h, resp)
	}
}

func (m *watchMux) onEvents(resp *pb.WatchResponse) {
	h, ok := m.byStore[resp.WatchId]
	if !ok {
		if _, sent := m.strays[resp.WatchId]; !sent {
			m.strays[resp.WatchId] = struct{}{}
			m.cancels = append(m.cancels, resp.WatchId)
			m.signal()
		}
		return
	}

	events := make([]WatchEvent, 0, len(resp.Events))
	for _, ev := range resp.Events {
		//Already delivered before the stream was reopened
		if ev.Kv.ModRevision < h.nextRev {
			continue
		}
		events = append(events, watchEventFromPb(ev))
	}
	if len(events) == 0 {
		return
	}

	h.nextRev = events[len(events)-1].Revision + 1
	h.queue.push(WatchBatch{Events: events, Revision: resp.Header.GetRevision()})
	m.core.metrics.WatchEvents.Add(float64(len(events)))
}

func (m *watchMux) dispatch(msg watchMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.epoch != m.epoch {
		return
	}

	resp := msg.resp
	switch {
	case resp.Created:
		m.onCreated(resp)
	case resp.Canceled:
		m.onCanceled(resp)
	case len(resp.Events) == 0:
		m.onProgress(resp)
	default:
		m.onEvents(resp)
	}
}

// Puts every open subscription back in line for the next stream
func (m *watchMux) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == watchClosed {
		return
	}
	m.state = watchDisconnected
	m.byStore = map[int64]*WatchHandle{}
	m.strays = map[int64]struct{}{}
	m.inflight = nil
	m.cancels = nil
	m.progress = false
	m.unsent = nil

	ids := make([]int64, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	resubscriptions := 0
	for _, id := range ids {
		h := m.handles[id]
		h.storeId = -1
		//The store forgets the subscriptions of a closed stream
		if h.cancelRequested {
			m.closeHandle(h, nil)
			continue
		}
		if h.subscribed {
			resubscriptions++
		}
		m.unsent = append(m.unsent, h)
	}

	m.core.metrics.WatchResubscriptions.Add(float64(resubscriptions))
}

func (m *watchMux) serve() (bool, error) {
	ctx := m.core.ctx

	sess, err := m.core.conn.Acquire(ctx)
	if err != nil {
		return false, translateError(err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	streamCtx, token, err := m.core.streamContext(streamCtx, sess)
	if err != nil {
		return false, err
	}

	stream, err := pb.NewWatchClient(sess.Conn).Watch(streamCtx)
	if err != nil {
		return false, translateError(err)
	}

	m.mu.Lock()
	if m.state == watchClosed {
		m.mu.Unlock()
		return false, ErrClientClosed
	}
	m.epoch++
	epoch := m.epoch
	m.state = watchStreaming
	pending := len(m.unsent)
	m.mu.Unlock()
	m.logger.Info("Watch stream opened", zap.Uint64("generation", sess.Generation), zap.Int("subscriptions", pending))

	msgs := make(chan watchMessage)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			resp, recvErr := stream.Recv()
			select {
			case msgs <- watchMessage{epoch: epoch, resp: resp, err: recvErr}:
			case <-streamCtx.Done():
				return
			}
			if recvErr != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-recvDone
	}()

	healthy := false
	for {
		if err := m.flush(stream); err != nil {
			return healthy, translateError(err)
		}

		select {
		case <-m.kick:
		case msg := <-msgs:
			if msg.err != nil {
				if m.core.auth.enabled() && isTokenRejected(msg.err) {
					m.logger.Info("Watch stream token rejected, re-authenticating")
					if _, refreshErr := m.core.auth.refresh(ctx, sess.Conn, token); refreshErr != nil {
						return healthy, refreshErr
					}
					return healthy, errStreamReauthenticated
				}
				return healthy, translateError(msg.err)
			}
			healthy = true
			m.dispatch(msg)
		case <-sess.Lost():
			return healthy, ErrConnectionLost
		case <-ctx.Done():
			return healthy, ctx.Err()
		}
	}
}

func (m *watchMux) run() {
	defer m.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.core.backoffInitial
	b.MaxInterval = m.core.backoffMax
	reauthenticated := false

	for {
		m.mu.Lock()
		if m.state == watchClosed {
			m.mu.Unlock()
			return
		}
		m.state = watchConnecting
		m.mu.Unlock()

		healthy, err := m.serve()
		if m.core.ctx.Err() != nil {
			return
		}

		m.teardown()
		if healthy {
			b.Reset()
			reauthenticated = false
		}

		if errors.Is(err, errStreamReauthenticated) {
			if reauthenticated {
				err = fmt.Errorf("%w: watch stream token rejected after re-authentication", ErrAuth)
			}
			reauthenticated = true
		}
		if errors.Is(err, ErrAuth) {
			m.logger.Warn("Watch stream credentials rejected, closing subscriptions", zap.Error(err))
			m.fail(err)
			reauthenticated = false
			b.Reset()
			if !m.awaitSubscriptions() {
				return
			}
			continue
		}

		wait := b.NextBackOff()
		m.logger.Info("Watch stream lost, reopening", zap.Error(err), zap.Duration("backoff", wait))

		select {
		case <-time.After(wait):
		case <-m.core.ctx.Done():
			return
		}
	}
}

// Closes every open subscription with the given error
func (m *watchMux) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unsent = nil
	m.inflight = nil
	for _, h := range m.handles {
		m.closeHandle(h, err)
	}
}

// Blocks until a subscription is waiting for the stream. Returns false once the client is closed.
func (m *watchMux) awaitSubscriptions() bool {
	for {
		m.mu.Lock()
		pending := len(m.handles)
		closed := m.state == watchClosed
		m.mu.Unlock()
		if closed {
			return false
		}
		if pending > 0 {
			return true
		}

		select {
		case <-m.kick:
		case <-m.core.ctx.Done():
			return false
		}
	}
}

func (m *watchMux) close() {
	m.mu.Lock()
	m.state = watchClosed
	for _, h := range m.handles {
		m.closeHandle(h, ErrClientClosed)
	}
	m.mu.Unlock()

	m.wg.Wait()
}
