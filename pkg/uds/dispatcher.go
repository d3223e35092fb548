package uds

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mbergman/godocan"
)

// Dispatcher implements docan.MessageReceivedListener: it parses every
// reassembled message into a uds.Message and routes it to whichever
// subscribers registered for its (source, target) transport pair.
// Subscription is per-pair rather than broadcast-to-all (adapted from
// the fan-out-to-all subscriber map this is grounded on), since UDS
// request/response pairs are addressed, not broadcast.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[docan.TransportAddressPair]map[chan *Message]struct{}
	trie        *JobTrie
}

// NewDispatcher builds a Dispatcher that also routes every message
// through trie, if one is supplied (nil disables job dispatch and
// leaves subscriber delivery as the only effect).
func NewDispatcher(trie *JobTrie) *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[docan.TransportAddressPair]map[chan *Message]struct{}),
		trie:        trie,
	}
}

// Subscribe returns a channel that receives every parsed Message
// arriving on pair, until Unsubscribe is called with the same channel.
func (d *Dispatcher) Subscribe(pair docan.TransportAddressPair) chan *Message {
	ch := make(chan *Message, 32)
	d.mu.Lock()
	if d.subscribers[pair] == nil {
		d.subscribers[pair] = make(map[chan *Message]struct{})
	}
	d.subscribers[pair][ch] = struct{}{}
	d.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by
// Subscribe.
func (d *Dispatcher) Unsubscribe(pair docan.TransportAddressPair, ch chan *Message) {
	d.mu.Lock()
	if subs, ok := d.subscribers[pair]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(d.subscribers, pair)
		}
	}
	d.mu.Unlock()
	close(ch)
}

// MessageReceived implements docan.MessageReceivedListener.
func (d *Dispatcher) MessageReceived(transport docan.TransportAddressPair, payload []byte) {
	msg := ParseMessage(payload, true)
	if msg == nil {
		return
	}

	if d.trie != nil {
		if _, err := d.trie.Dispatch(context.Background(), msg); err != nil {
			log.WithFields(log.Fields{"source": transport.SourceID, "target": transport.TargetID, "error": err}).
				Warn("[UDS][DISPATCHER] job dispatch failed")
		}
	}

	d.mu.RLock()
	subs := d.subscribers[transport]
	d.mu.RUnlock()
	for ch := range subs {
		select {
		case ch <- msg:
		default:
			log.WithFields(log.Fields{"source": transport.SourceID, "target": transport.TargetID}).
				Warn("[UDS][DISPATCHER] slow subscriber, dropping message")
		}
	}
}

// sendOutcome adapts a completion channel to docan.ProcessedListener,
// letting a caller of Session.Send wait on a channel instead of
// implementing the interface itself.
type sendOutcome struct {
	ch chan docan.ProcessedCause
}

// MessageProcessed implements docan.ProcessedListener.
func (s sendOutcome) MessageProcessed(_ docan.TransportAddressPair, cause docan.ProcessedCause, _ []byte) {
	select {
	case s.ch <- cause:
	default:
	}
}

// NewSendOutcome returns a docan.ProcessedListener and the channel its
// single MessageProcessed call will write to, for callers that prefer
// to block on the outcome of Session.Send rather than implement
// ProcessedListener themselves.
func NewSendOutcome() (docan.ProcessedListener, chan docan.ProcessedCause) {
	ch := make(chan docan.ProcessedCause, 1)
	return sendOutcome{ch: ch}, ch
}
