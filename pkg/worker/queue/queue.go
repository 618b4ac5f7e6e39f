// Package queue dispatches builds onto a Kafka topic for a remote fleet of
// build runners and correlates completion messages back to the blocking
// caller, for deployments that front their workers with a message broker
// instead of driving them directly.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"

	"github.com/lilacbuild/lilac/pkg/types"
	"github.com/lilacbuild/lilac/pkg/worker"
)

func init() {
	worker.RegisterInitCallback(cb)
}

func cb() {
	worker.RegisterFactory("queue", New)
}

// request is the wire shape published to the build-request topic.
type request struct {
	RequestID string          `json:"request_id"`
	Pkgbase   string          `json:"pkgbase"`
	WorkerID  int             `json:"worker_id"`
	OnBuild   []types.VerPair `json:"on_build_vers,omitempty"`
}

// completion is the wire shape consumed from the build-result topic.
type completion struct {
	RequestID string `json:"request_id"`
	Result    string `json:"result"` // "successful", "staged", "skipped", "failed"
	Message   string `json:"message"`
	CPUTimeMS int64  `json:"cpu_time_ms"`
	MemoryKiB int64  `json:"memory_kib"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Version   string `json:"version"`
}

// Provider publishes build requests and awaits their completion message.
type Provider struct {
	l hclog.Logger

	writer *kafka.Writer
	reader *kafka.Reader

	mu      sync.Mutex
	seq     uint64
	waiters map[string]chan completion
	started bool
}

// New constructs an unconfigured queue-backed worker.  Callers must point
// it at a broker and topic pair with Configure before the first Build.
func New(l hclog.Logger) (worker.Worker, error) {
	return &Provider{
		l:       l.Named("queue"),
		waiters: make(map[string]chan completion),
	}, nil
}

// Configure points the provider at a broker and topic pair; requestTopic
// carries dispatches to the fleet, resultTopic carries completions back.
func (p *Provider) Configure(brokers []string, requestTopic, resultTopic, groupID string) {
	p.writer = &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    requestTopic,
		Balancer: &kafka.LeastBytes{},
	}
	p.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   resultTopic,
	})
}

// Build publishes a request and blocks until its matching completion
// arrives on the result topic (or ctx is canceled).
func (p *Provider) Build(ctx context.Context, workerID int, pkg types.PkgToBuild) (types.BuildResult, error) {
	if p.writer == nil {
		return types.BuildResult{}, errors.New("queue worker not configured")
	}
	p.ensureConsumer()

	ch := make(chan completion, 1)
	p.mu.Lock()
	p.seq++
	reqID := fmt.Sprintf("%s-%d-%d", pkg.Pkgbase, workerID, p.seq)
	p.waiters[reqID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, reqID)
		p.mu.Unlock()
	}()

	body, err := json.Marshal(request{RequestID: reqID, Pkgbase: pkg.Pkgbase, WorkerID: workerID, OnBuild: pkg.OnBuildVers})
	if err != nil {
		return types.BuildResult{}, err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(pkg.Pkgbase), Value: body}); err != nil {
		return types.BuildResult{}, err
	}

	select {
	case c := <-ch:
		return toBuildResult(c), nil
	case <-ctx.Done():
		return types.BuildResult{}, ctx.Err()
	}
}

func (p *Provider) ensureConsumer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.reader == nil {
		return
	}
	p.started = true
	go p.consumeLoop()
}

func (p *Provider) consumeLoop() {
	for {
		msg, err := p.reader.ReadMessage(context.Background())
		if err != nil {
			p.l.Warn("result consumer stopped", "err", err)
			return
		}
		var c completion
		if err := json.Unmarshal(msg.Value, &c); err != nil {
			p.l.Warn("malformed completion message", "err", err)
			continue
		}
		p.mu.Lock()
		ch, ok := p.waiters[c.RequestID]
		p.mu.Unlock()
		if ok {
			ch <- c
		}
	}
}

func toBuildResult(c completion) types.BuildResult {
	r := types.BuildResult{Version: c.Version}
	switch c.Result {
	case "staged":
		r.Kind = types.Staged
	case "skipped":
		r.Kind = types.Skipped
		r.SkipReason = c.Message
	case "failed":
		r.Kind = types.Failed
		r.Err = fmt.Errorf("%s", c.Message)
	default:
		r.Kind = types.Successful
	}
	r.Rusage = &types.Rusage{
		CPUTime: time.Duration(c.CPUTimeMS) * time.Millisecond,
		Memory:  c.MemoryKiB * 1024,
		Elapsed: time.Duration(c.ElapsedMS) * time.Millisecond,
	}
	r.Elapsed = time.Duration(c.ElapsedMS) * time.Millisecond
	return r
}

