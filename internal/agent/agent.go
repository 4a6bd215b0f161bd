// Package agent implements a reference provider client: it holds the
// event stream open against a dispatch node, announces the machine's
// probed capabilities, and claims, executes and reports subtasks one
// at a time. The executor is pluggable; the built-in one simulates
// work, which is enough to exercise a node end to end.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// Config configures one provider agent.
type Config struct {
	// Node is the base URL of the dispatch node, e.g. http://127.0.0.1:9180.
	Node       string
	ProviderID string
	DeviceID   string
	DeviceName string

	// OnlyWhenIdle keeps the agent from claiming while the machine's
	// owner is using it. Headless machines always claim.
	OnlyWhenIdle bool

	// PollInterval is the fallback claim cadence when no stream event
	// arrives. Zero means 15 seconds.
	PollInterval time.Duration
}

// Agent is one device's work loop against a dispatch node.
type Agent struct {
	cfg   Config
	exec  Executor
	guard *Guard

	// api carries the short request/response calls; the stream uses a
	// bare client because it is open-ended.
	api *http.Client
}

// New creates an agent. A nil executor gets the simulator.
func New(cfg Config, exec Executor) (*Agent, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("agent: node URL is required")
	}
	if cfg.ProviderID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("agent: provider and device ids are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if exec == nil {
		exec = NewSimExecutor(SimConfig{})
	}
	return &Agent{
		cfg:   cfg,
		exec:  exec,
		guard: NewGuard(cfg.OnlyWhenIdle),
		api:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Run connects and works until ctx is canceled, reconnecting with
// backoff when the node goes away.
func (a *Agent) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.runStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[agent] stream closed: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// runStream holds one stream session: announce once connected, then
// claim on every nudge until the stream drops.
func (a *Agent) runStream(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("provider_id", a.cfg.ProviderID)
	q.Set("device_id", a.cfg.DeviceID)
	if a.cfg.DeviceName != "" {
		q.Set("device_name", a.cfg.DeviceName)
	}
	req, err := http.NewRequestWithContext(ctx, "GET",
		a.cfg.Node+"/v1/provider/stream?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open stream: node returned %s", resp.Status)
	}
	log.Printf("[agent] connected to %s as device %s", a.cfg.Node, a.cfg.DeviceID)

	// Work runs off the stream goroutine so a slow execution never
	// stalls the read loop past the node's ping window.
	nudge := make(chan struct{}, 1)
	assigned := make(chan domain.Subtask, 16)
	go a.workLoop(ctx, assigned, nudge)

	a.announce(ctx)
	kick(nudge)

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case string(domain.EventExecutionRequested):
				sub, ok := parseAssignment(data)
				if !ok || sub.AssignedDeviceID != a.cfg.DeviceID {
					break // another of this provider's devices
				}
				select {
				case assigned <- sub:
				default:
					// The watchdog requeues anything we miss here.
					log.Printf("[agent] assignment buffer full, dropping subtask %s", sub.ID)
				}
			case string(domain.EventPoolChanged):
				kick(nudge)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("node closed the stream")
}

// parseAssignment pulls the subtask snapshot out of one pushed event.
func parseAssignment(data string) (domain.Subtask, bool) {
	var evt struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return domain.Subtask{}, false
	}
	var sub domain.Subtask
	if err := json.Unmarshal(evt.Payload, &sub); err != nil || sub.ID == "" {
		return domain.Subtask{}, false
	}
	return sub, true
}

// kick nudges without blocking; a pending nudge already covers it.
func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// workLoop executes one subtask at a time. Assignments pushed by the
// node run as-is; a nudge or the ticker claims pending work the node
// has not offered us. Pushed work is never declined: it is already
// assigned, and holding it would just stall until the heartbeat sweep.
func (a *Agent) workLoop(ctx context.Context, assigned <-chan domain.Subtask, nudge <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-assigned:
			a.execute(ctx, &sub)
			continue
		case <-nudge:
		case <-ticker.C:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			if ok, reason := a.guard.Allow(); !ok {
				log.Printf("[agent] holding claims: %s", reason)
				break
			}
			sub, err := a.claim(ctx)
			if err != nil {
				log.Printf("[agent] claim: %v", err)
				break
			}
			if sub == nil {
				break
			}
			a.execute(ctx, sub)
		}
	}
}

// announce reports the probed hardware; dispatch ranks devices by it.
func (a *Agent) announce(ctx context.Context) {
	caps := Probe()
	err := a.post(ctx, "/v1/provider/announce", map[string]any{
		"device_id":    a.cfg.DeviceID,
		"memory_bytes": caps.MemoryBytes,
		"gpu_count":    caps.GPUCount,
		"gpu_name":     caps.GPUName,
	}, nil)
	if err != nil {
		log.Printf("[agent] announce: %v", err)
		return
	}
	log.Printf("[agent] announced %.1f GB, %d GPU(s)",
		float64(caps.MemoryBytes)/(1<<30), caps.GPUCount)
}

// claim asks the node for the next pending subtask. Nil means the pool
// is empty.
func (a *Agent) claim(ctx context.Context) (*domain.Subtask, error) {
	var out struct {
		Subtask *domain.Subtask `json:"subtask"`
	}
	err := a.post(ctx, "/v1/provider/claim", map[string]string{
		"provider_id": a.cfg.ProviderID,
		"device_id":   a.cfg.DeviceID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Subtask, nil
}

// execute runs one claimed subtask through the executor, reporting
// progress as it goes and the result or failure at the end.
func (a *Agent) execute(ctx context.Context, sub *domain.Subtask) {
	log.Printf("[agent] executing subtask %s", sub.ID)
	if err := a.post(ctx, "/v1/subtasks/"+sub.ID+"/start", map[string]string{
		"provider_id": a.cfg.ProviderID,
		"device_id":   a.cfg.DeviceID,
	}, nil); err != nil {
		log.Printf("[agent] start %s: %v", sub.ID, err)
		return
	}

	result, err := a.exec.Execute(ctx, sub.Payload, func(percent int) {
		a.progress(ctx, sub.ID, percent)
	})
	if err != nil {
		if ctx.Err() != nil {
			// The node's disconnect sweep requeues it.
			return
		}
		log.Printf("[agent] subtask %s failed: %v", sub.ID, err)
		if ferr := a.post(ctx, "/v1/subtasks/"+sub.ID+"/failure", map[string]string{
			"provider_id":     a.cfg.ProviderID,
			"reason":          "execution error",
			"failure_payload": err.Error(),
		}, nil); ferr != nil {
			log.Printf("[agent] report failure %s: %v", sub.ID, ferr)
		}
		return
	}

	if err := a.post(ctx, "/v1/subtasks/"+sub.ID+"/result", map[string]string{
		"provider_id":    a.cfg.ProviderID,
		"result_payload": result,
	}, nil); err != nil {
		log.Printf("[agent] report result %s: %v", sub.ID, err)
		return
	}
	log.Printf("[agent] subtask %s completed", sub.ID)
}

func (a *Agent) progress(ctx context.Context, subtaskID string, percent int) {
	err := a.post(ctx, "/v1/subtasks/"+subtaskID+"/progress", map[string]any{
		"provider_id": a.cfg.ProviderID,
		"device_id":   a.cfg.DeviceID,
		"percent":     percent,
	}, nil)
	if err != nil && ctx.Err() == nil {
		log.Printf("[agent] progress %s: %v", subtaskID, err)
	}
}

// post sends one JSON request and decodes the response into out when
// given. A 204 leaves out untouched.
func (a *Agent) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.cfg.Node+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("node returned %s", resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
