package offline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dalfonso89/fine-life/internal/models"
)

// recordingDispatcher remembers every dispatched operation, fails those
// whose path is listed in failPaths and answers with responses[path]
type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []models.QueuedOperation
	failPaths  map[string]error
	responses  map[string]string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, op models.QueuedOperation) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, op)
	if err, ok := d.failPaths[op.TargetPath]; ok {
		return nil, err
	}
	return []byte(d.responses[op.TargetPath]), nil
}

func (d *recordingDispatcher) paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.dispatched))
	for _, op := range d.dispatched {
		out = append(out, op.TargetPath)
	}
	return out
}

type collectingPublisher struct {
	mu       sync.Mutex
	messages []models.Message
}

func (p *collectingPublisher) Publish(message models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *collectingPublisher) ofType(messageType models.MessageType) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Message
	for _, message := range p.messages {
		if message.Type == messageType {
			out = append(out, message)
		}
	}
	return out
}

type countingTrigger struct {
	count atomic.Int32
}

func (c *countingTrigger) Trigger() {
	c.count.Add(1)
}

type fixedProbe bool

func (p fixedProbe) Reachable(ctx context.Context) bool {
	return bool(p)
}
