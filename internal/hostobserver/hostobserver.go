// Package hostobserver runs the per-host Init/Snapshot/Streaming/Backoff
// state machine: it lists a host's containers, subscribes to its
// lifecycle event stream, and emits canonical container change events
// for the Service Registry to consume.
package hostobserver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/snadboy/revpctl/internal/clock"
	"github.com/snadboy/revpctl/internal/dockercli"
	"github.com/snadboy/revpctl/internal/model"
)

// Executor is the subset of sshexec.Executor the observer needs. Defined
// here, at the point of use, so tests can supply a fake without dialing
// a real SSH session.
type Executor interface {
	Run(ctx context.Context, alias string, argv []string) (exitCode int, stdout, stderr []byte, err error)
	Stream(ctx context.Context, alias string, argv []string) (<-chan string, func(), error)
}

// ContainerEventKind distinguishes the three shapes an Observer emits.
type ContainerEventKind int

const (
	KindSync ContainerEventKind = iota
	KindChanged
	KindRemoved
)

// ContainerEvent is delivered to the Service Registry on every change.
type ContainerEvent struct {
	Kind       ContainerEventKind
	HostAlias  string
	Containers []model.Container // populated for KindSync (the full set)
	Container  model.Container   // populated for KindChanged
	RemovedID  string            // populated for KindRemoved
}

// containerEventsOfInterest are the docker events this observer reacts to.
var containerEventsOfInterest = map[string]bool{
	"start": true, "die": true, "kill": true, "stop": true,
	"pause": true, "unpause": true, "destroy": true,
	"rename": true, "update": true,
}

// Observer runs the state machine for one host.
type Observer struct {
	alias             string
	hostAddress       string
	executor          Executor
	clock             clock.Clock
	heartbeatDeadline time.Duration
	reconcileInterval time.Duration
	events            chan<- ContainerEvent
	onStateChange     func(model.HostState, string)
}

// Config configures one Observer.
type Config struct {
	Alias             string
	HostAddress       string
	Executor          Executor
	Clock             clock.Clock
	HeartbeatDeadline time.Duration
	ReconcileInterval time.Duration
	Events            chan<- ContainerEvent
	OnStateChange     func(model.HostState, string)
}

// New creates an Observer ready to Run.
func New(cfg Config) *Observer {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	hb := cfg.HeartbeatDeadline
	if hb <= 0 {
		hb = 90 * time.Second
	}
	ri := cfg.ReconcileInterval
	if ri <= 0 {
		ri = 300 * time.Second
	}
	return &Observer{
		alias:             cfg.Alias,
		hostAddress:       cfg.HostAddress,
		executor:          cfg.Executor,
		clock:             c,
		heartbeatDeadline: hb,
		reconcileInterval: ri,
		events:            cfg.Events,
		onStateChange:     cfg.OnStateChange,
	}
}

// Run executes the state machine until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}
		o.setState(model.HostInit, "")

		containers, err := o.snapshot(ctx)
		if err != nil {
			o.setState(model.HostBackoff, err.Error())
			if !o.sleepBackoff(ctx, bo) {
				return
			}
			continue
		}
		bo.reset()

		o.events <- ContainerEvent{Kind: KindSync, HostAlias: o.alias, Containers: containers}
		o.setState(model.HostStreaming, "")

		err = o.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		o.setState(model.HostBackoff, errString(err))
		if !o.sleepBackoff(ctx, bo) {
			return
		}
	}
}

func (o *Observer) snapshot(ctx context.Context) ([]model.Container, error) {
	_, stdout, stderr, err := o.executor.Run(ctx, o.alias, dockercli.PsArgs)
	if err != nil {
		return nil, fmt.Errorf("hostobserver: snapshot %s: %w", o.alias, err)
	}
	if len(stderr) > 0 && len(stdout) == 0 {
		return nil, fmt.Errorf("hostobserver: snapshot %s: %s", o.alias, string(stderr))
	}
	containers, err := dockercli.ParsePsLines(splitLines(stdout))
	if err != nil {
		return nil, fmt.Errorf("hostobserver: parse snapshot %s: %w", o.alias, err)
	}
	return containers, nil
}

// stream runs the Streaming sub-state until the event pipe stalls past
// heartbeatDeadline, the pipe closes, a periodic resync snapshot fails,
// or ctx ends. Each reconcileInterval it emits a fresh KindSync snapshot
// and keeps streaming.
func (o *Observer) stream(ctx context.Context) error {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	lines, cancel, err := o.executor.Stream(streamCtx, o.alias, dockercli.EventsArgs)
	if err != nil {
		return fmt.Errorf("hostobserver: stream %s: %w", o.alias, err)
	}
	defer cancel()

	heartbeat := o.clock.After(o.heartbeatDeadline)
	resync := o.clock.After(o.reconcileInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-resync:
			containers, err := o.snapshot(ctx)
			if err != nil {
				return err
			}
			o.events <- ContainerEvent{Kind: KindSync, HostAlias: o.alias, Containers: containers}
			resync = o.clock.After(o.reconcileInterval)

		case <-heartbeat:
			return fmt.Errorf("hostobserver: %s heartbeat deadline exceeded", o.alias)

		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("hostobserver: %s event stream closed", o.alias)
			}
			heartbeat = o.clock.After(o.heartbeatDeadline)
			if err := o.handleEventLine(ctx, line); err != nil {
				// A single malformed or unresolvable event must not kill
				// the stream -- only connection loss does.
				continue
			}
		}
	}
}

func (o *Observer) handleEventLine(ctx context.Context, line string) error {
	evt, err := dockercli.ParseEventLine(line)
	if err != nil || evt == nil {
		return err
	}
	if !containerEventsOfInterest[evt.Status] {
		return nil
	}

	id := evt.Actor.ID
	if id == "" {
		id = evt.ID
	}

	if evt.Status == "destroy" {
		o.events <- ContainerEvent{Kind: KindRemoved, HostAlias: o.alias, RemovedID: id}
		return nil
	}

	_, stdout, _, err := o.executor.Run(ctx, o.alias, dockercli.InspectArgs(id))
	if err != nil {
		return err
	}
	inspect, err := dockercli.ParseInspect(stdout)
	if err != nil {
		return err
	}

	c := model.Container{
		ID:      id,
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		Labels:  inspect.Config.Labels,
		Ports:   dockercli.PortsFromInspect(inspect),
		Running: inspect.State != nil && inspect.State.Running,
	}
	o.events <- ContainerEvent{Kind: KindChanged, HostAlias: o.alias, Container: c}
	return nil
}

func (o *Observer) setState(s model.HostState, reason string) {
	if o.onStateChange != nil {
		o.onStateChange(s, reason)
	}
}

// sleepBackoff waits the next backoff interval or returns false if ctx ends first.
func (o *Observer) sleepBackoff(ctx context.Context, bo *backoff) bool {
	select {
	case <-o.clock.After(bo.next()):
		return true
	case <-ctx.Done():
		return false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

// backoff computes exponential-with-full-jitter reconnect delays, base
// 100ms capped at 30s, resetting after any healthy Snapshot.
type backoff struct {
	attempt int
}

func newBackoff() *backoff { return &backoff{} }

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 30 * time.Second
)

func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 16 {
		shift = 16
	}
	max := backoffBase * time.Duration(uint64(1)<<uint(shift))
	if max > backoffCap || max <= 0 {
		max = backoffCap
	}
	b.attempt++
	return time.Duration(rand.Int64N(int64(max)))
}

func (b *backoff) reset() { b.attempt = 0 }
