package uds

import "context"

// Job handles one UDS service's requests. Concrete diagnostic services
// (session control, security access, routine control, ...) are out of
// scope here; Job exists so a JobTrie has something concrete to route
// to in tests.
type Job interface {
	ServiceID() byte
	Handle(ctx context.Context, req *Message) (*Message, error)
}

// JobTrie routes a request to the Job registered for its service ID.
// It is a trie only in the degenerate, single-level sense the service
// ID space (one byte) calls for: a 256-entry table gives the same O(1)
// lookup a deeper trie would, without the indirection.
type JobTrie struct {
	jobs [256]Job
}

// NewJobTrie builds an empty trie.
func NewJobTrie() *JobTrie {
	return &JobTrie{}
}

// Register binds job at its own ServiceID, replacing any job
// previously registered there.
func (t *JobTrie) Register(job Job) {
	t.jobs[job.ServiceID()] = job
}

// Unregister removes whatever job is registered for serviceID.
func (t *JobTrie) Unregister(serviceID byte) {
	t.jobs[serviceID] = nil
}

// Lookup returns the job registered for serviceID, if any.
func (t *JobTrie) Lookup(serviceID byte) (Job, bool) {
	job := t.jobs[serviceID]
	return job, job != nil
}

// Dispatch routes req to its service's job, if one is registered.
func (t *JobTrie) Dispatch(ctx context.Context, req *Message) (*Message, error) {
	job, ok := t.Lookup(req.ServiceID)
	if !ok {
		nrc := NRCServiceNotSupported
		return &Message{ServiceID: req.ServiceID, NRC: &nrc, IsResponse: true}, nil
	}
	return job.Handle(ctx, req)
}
