package client

import (
	"strings"

	"github.com/Ferlab-Ste-Justine/etcd-client-core/keymodels"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

type WatchEventType int

const (
	WatchEventPut WatchEventType = iota
	WatchEventDelete
)

type WatchEvent struct {
	Type WatchEventType
	//State of the key after the event. A deleted key only has its Key and ModRevision set.
	Kv KeyInfo
	//State of the key before the event, when requested and if the key existed
	PrevKv KeyInfo
	//Revision of the store at which the event happened
	Revision int64
}

func watchEventFromPb(ev *mvccpb.Event) WatchEvent {
	event := WatchEvent{
		Type:     WatchEventPut,
		Kv:       keyInfoFromKv(ev.Kv),
		Revision: ev.Kv.ModRevision,
	}
	if ev.Type == mvccpb.DELETE {
		event.Type = WatchEventDelete
	}
	if ev.PrevKv != nil {
		event.PrevKv = keyInfoFromKv(ev.PrevKv)
	}
	return event
}

/*
Events delivered to a subscription.
A batch with an error is the last one the subscription delivers.
*/
type WatchBatch struct {
	Events []WatchEvent
	//Store revision when the batch was emitted
	Revision int64
	//Set on progress notifications, which carry no event
	Progress bool
	Err      error
}

type SubscribeOptions struct {
	Range KeyRange
	//Revision to start watching from. 0 means from the current revision.
	StartRevision  int64
	PrevKv         bool
	ProgressNotify bool
}

/*
Subscription on the shared watch stream.
Events are delivered in revision order on the Events channel until the subscription is cancelled or fails.
Across reconnections, an event delivered right before the connection was lost may be delivered again but none is skipped.
*/
type WatchHandle struct {
	mux   *watchMux
	id    int64
	opts  SubscribeOptions
	queue *watchQueue

	//Guarded by the lock of the multiplexer
	storeId         int64
	nextRev         int64
	subscribed      bool
	cancelRequested bool
	closed          bool
	err             error
}

func (h *WatchHandle) Events() <-chan WatchBatch {
	return h.queue.out
}

/*
Requests the cancellation of the subscription.
Events emitted before the store acknowledges the cancellation are still delivered, after which the Events channel is closed.
*/
func (h *WatchHandle) Cancel() {
	h.mux.cancel(h)
}

// Error the subscription ended with. Nil while the subscription is open or if it was cancelled.
func (h *WatchHandle) Err() error {
	h.mux.mu.Lock()
	defer h.mux.mu.Unlock()
	return h.err
}

/*
Subscribes to the changes of a key or a key range. Never blocks on the network:
the subscription is created on the shared watch stream in the background.
*/
func (cli *EtcdClient) Subscribe(opts SubscribeOptions) *WatchHandle {
	return cli.core.watcher.subscribe(opts)
}

/*
Asks the store for a progress notification on every subscription of the watch stream.
Subscriptions created with ProgressNotify receive it as a batch flagged with Progress.
*/
func (cli *EtcdClient) RequestWatchProgress() {
	cli.core.watcher.requestProgress()
}

type WatchNotification struct {
	Changes keymodels.WatchInfo
	Error   error
}

type WatchOptions struct {
	Revision int64
	IsPrefix bool
	//Takes precedence over IsPrefix
	RangeEnd   string
	TrimPrefix bool
}

/*
Watch a key, a key range or the keys of a given prefix for changes and returns a channel that notifies of any changes.
The channel is closed after an error is notified or when the client's context is cancelled.
*/
func (cli *EtcdClient) Watch(wKey string, opts WatchOptions) <-chan WatchNotification {
	outChan := make(chan WatchNotification)

	keyRange := KeyRangeForKey(wKey)
	if opts.RangeEnd != "" {
		keyRange = KeyRangeWithEnd(wKey, opts.RangeEnd)
	} else if opts.IsPrefix {
		keyRange = KeyRangeForPrefix(wKey)
	}
	handle := cli.Subscribe(SubscribeOptions{Range: keyRange, StartRevision: opts.Revision})

	go func() {
		defer close(outChan)
		defer handle.Cancel()

		for {
			var output WatchNotification

			select {
			case batch, ok := <-handle.Events():
				if !ok {
					if err := handle.Err(); err != nil {
						output = WatchNotification{Error: err}
						break
					}
					return
				}

				if batch.Err != nil {
					output = WatchNotification{Error: batch.Err}
					break
				}
				if batch.Progress || len(batch.Events) == 0 {
					continue
				}

				output = WatchNotification{
					Changes: keymodels.WatchInfo{
						Upserts:   make(map[string]keymodels.KeyWatchInfo),
						Deletions: []string{},
					},
				}
				for _, ev := range batch.Events {
					key := ev.Kv.Key
					if opts.TrimPrefix {
						key = strings.TrimPrefix(key, wKey)
					}
					if ev.Type == WatchEventDelete {
						delete(output.Changes.Upserts, key)
						output.Changes.Deletions = append(output.Changes.Deletions, key)
					} else {
						output.Changes.Upserts[key] = keymodels.KeyWatchInfo{
							Value:          ev.Kv.Value,
							Version:        ev.Kv.Version,
							CreateRevision: ev.Kv.CreateRevision,
							ModRevision:    ev.Kv.ModRevision,
							Lease:          ev.Kv.Lease,
						}
					}
				}
				output.Changes.Revision = batch.Events[len(batch.Events)-1].Revision
			case <-cli.Context.Done():
				return
			}

			select {
			case outChan <- output:
			case <-cli.Context.Done():
				return
			}
			if output.Error != nil {
				return
			}
		}
	}()

	return outChan
}
