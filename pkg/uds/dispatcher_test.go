package uds

import (
	"context"
	"testing"

	"github.com/mbergman/godocan"
)

type echoJob struct {
	serviceID byte
	calls     int
}

func (j *echoJob) ServiceID() byte { return j.serviceID }

func (j *echoJob) Handle(_ context.Context, req *Message) (*Message, error) {
	j.calls++
	return &Message{ServiceID: req.ServiceID, IsResponse: true, IsPositive: true}, nil
}

func TestJobTrieDispatchRoutesToRegisteredJob(t *testing.T) {
	trie := NewJobTrie()
	job := &echoJob{serviceID: ServiceTesterPresent}
	trie.Register(job)

	resp, err := trie.Dispatch(context.Background(), &Message{ServiceID: ServiceTesterPresent})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.calls != 1 {
		t.Fatalf("job.calls = %d, want 1", job.calls)
	}
	if !resp.IsPositive {
		t.Fatal("response from registered job should be positive")
	}
}

func TestJobTrieDispatchUnregisteredServiceReturnsNRC(t *testing.T) {
	trie := NewJobTrie()
	resp, err := trie.Dispatch(context.Background(), &Message{ServiceID: ServiceRoutineControl})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.NRC == nil || *resp.NRC != NRCServiceNotSupported {
		t.Fatalf("NRC = %v, want %#02x", resp.NRC, NRCServiceNotSupported)
	}
}

func TestJobTrieUnregisterRemovesJob(t *testing.T) {
	trie := NewJobTrie()
	job := &echoJob{serviceID: ServiceECUReset}
	trie.Register(job)
	trie.Unregister(ServiceECUReset)

	if _, ok := trie.Lookup(ServiceECUReset); ok {
		t.Fatal("Lookup found a job after Unregister")
	}
}

func TestDispatcherRoutesByTransportPair(t *testing.T) {
	d := NewDispatcher(nil)
	pairA := docan.TransportAddressPair{SourceID: 0x10, TargetID: 0x20}
	pairB := docan.TransportAddressPair{SourceID: 0x30, TargetID: 0x40}

	chA := d.Subscribe(pairA)
	chB := d.Subscribe(pairB)

	raw := []byte{ServiceTesterPresent + positiveResponseOffset}
	d.MessageReceived(pairA, raw)

	select {
	case msg := <-chA:
		if msg.ServiceID != ServiceTesterPresent {
			t.Fatalf("ServiceID = 0x%02X, want 0x%02X", msg.ServiceID, ServiceTesterPresent)
		}
	default:
		t.Fatal("subscriber for pairA received nothing")
	}

	select {
	case msg := <-chB:
		t.Fatalf("subscriber for pairB should not have received anything, got %v", msg)
	default:
	}
}

func TestDispatcherUnsubscribeClosesChannel(t *testing.T) {
	d := NewDispatcher(nil)
	pair := docan.TransportAddressPair{SourceID: 0x01, TargetID: 0x02}
	ch := d.Subscribe(pair)
	d.Unsubscribe(pair, ch)

	_, ok := <-ch
	if ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestDispatcherInvokesJobTrie(t *testing.T) {
	trie := NewJobTrie()
	job := &echoJob{serviceID: ServiceTesterPresent}
	trie.Register(job)

	d := NewDispatcher(trie)
	pair := docan.TransportAddressPair{SourceID: 0x01, TargetID: 0x02}
	d.MessageReceived(pair, []byte{ServiceTesterPresent + positiveResponseOffset})

	if job.calls != 1 {
		t.Fatalf("job.calls = %d, want 1", job.calls)
	}
}

func TestDispatcherIgnoresEmptyPayload(t *testing.T) {
	d := NewDispatcher(nil)
	pair := docan.TransportAddressPair{SourceID: 0x01, TargetID: 0x02}
	ch := d.Subscribe(pair)
	d.MessageReceived(pair, nil)

	select {
	case msg := <-ch:
		t.Fatalf("expected no message for empty payload, got %v", msg)
	default:
	}
}

func TestNewSendOutcomeDeliversCause(t *testing.T) {
	listener, done := NewSendOutcome()
	listener.MessageProcessed(docan.TransportAddressPair{}, docan.ProcessedOK, nil)

	select {
	case cause := <-done:
		if cause != docan.ProcessedOK {
			t.Fatalf("cause = %v, want ProcessedOK", cause)
		}
	default:
		t.Fatal("NewSendOutcome's channel received nothing")
	}
}
