// Package dockercli decodes the JSON emitted by the `docker` CLI over a
// remote shell (see SPEC_FULL.md §6.1): `docker ps -a`, `docker events`,
// and `docker inspect`. It never dials the Docker Engine API directly --
// all access goes through sshexec.Executor running the CLI remotely.
package dockercli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	containertypes "github.com/moby/moby/api/types/container"
	"github.com/snadboy/revpctl/internal/model"
)

// PsArgs is the argv for a full container snapshot.
var PsArgs = []string{"docker", "ps", "-a", "--format", "{{json .}}", "--no-trunc"}

// EventsArgs is the argv for the live container lifecycle event stream.
var EventsArgs = []string{"docker", "events", "--format", "{{json .}}", "--filter", "type=container"}

// InspectArgs is the argv for a single-container deep inspect.
func InspectArgs(containerID string) []string {
	return []string{"docker", "inspect", containerID}
}

// psEntry mirrors one line of `docker ps --format '{{json .}}'` output.
// This does not match the Docker Engine API's JSON shape closely enough
// to reuse moby/moby's types -- it is the CLI's own ad hoc format -- so
// it gets its own minimal struct.
type psEntry struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Labels string `json:"Labels"` // comma-separated "key=value" pairs
	Ports  string `json:"Ports"`  // "0.0.0.0:8080->80/tcp, ..."
	State  string `json:"State"`
}

// ParsePsLines decodes the newline-delimited JSON output of PsArgs into
// canonical Container snapshots.
func ParsePsLines(lines []string) ([]model.Container, error) {
	containers := make([]model.Container, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e psEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("dockercli: parse ps line: %w", err)
		}
		containers = append(containers, model.Container{
			ID:      e.ID,
			Name:    strings.TrimPrefix(e.Names, "/"),
			Labels:  parseLabels(e.Labels),
			Ports:   parsePorts(e.Ports),
			Running: e.State == "running",
		})
	}
	return containers, nil
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	if s == "" {
		return labels
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		labels[k] = v
	}
	return labels
}

// parsePorts parses the docker ps Ports column, a comma-separated list of
// "host:hostPort->containerPort/proto" entries, e.g. "0.0.0.0:8080->80/tcp".
func parsePorts(s string) []model.Port {
	var ports []model.Port
	if s == "" {
		return ports
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		arrow := strings.Index(entry, "->")
		if arrow < 0 {
			continue
		}
		hostSide := entry[:arrow]
		rest := entry[arrow+2:]

		hostPortStr := hostSide
		if idx := strings.LastIndex(hostSide, ":"); idx >= 0 {
			hostPortStr = hostSide[idx+1:]
		}
		hostPort, err := strconv.Atoi(hostPortStr)
		if err != nil {
			continue
		}

		proto := "tcp"
		containerPortStr := rest
		if idx := strings.Index(rest, "/"); idx >= 0 {
			containerPortStr = rest[:idx]
			proto = rest[idx+1:]
		}
		containerPort, err := strconv.Atoi(containerPortStr)
		if err != nil {
			continue
		}

		ports = append(ports, model.Port{ContainerPort: containerPort, HostPort: hostPort, Protocol: proto})
	}
	return ports
}

// Event mirrors one line of `docker events --format '{{json .}}'` output,
// filtered to container-typed events.
type Event struct {
	Status string            `json:"status"` // "start", "die", "destroy", ...
	ID     string             `json:"id"`
	From   string            `json:"from"`
	Actor  EventActor        `json:"Actor"`
	Time   int64             `json:"time"`
}

// EventActor carries the container's attributes at the moment of the event.
type EventActor struct {
	ID         string            `json:"ID"`
	Attributes map[string]string `json:"Attributes"`
}

// ParseEventLine decodes one line of EventsArgs output.
func ParseEventLine(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return nil, fmt.Errorf("dockercli: parse event line: %w", err)
	}
	return &e, nil
}

// InspectResponse reuses the Docker Engine API's own container inspect
// shape, since `docker inspect` emits exactly that JSON document.
type InspectResponse = containertypes.InspectResponse

// ParseInspect decodes a single `docker inspect` JSON document (the CLI
// emits a one-element JSON array).
func ParseInspect(raw []byte) (*InspectResponse, error) {
	var arr []InspectResponse
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("dockercli: parse inspect: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("dockercli: inspect returned no results")
	}
	return &arr[0], nil
}

// PortsFromInspect extracts published port bindings from a docker inspect
// response, preferring NetworkSettings.Ports (the live bindings of a
// running container) and falling back to HostConfig.PortBindings (the
// declared bindings) for a container that isn't currently running.
func PortsFromInspect(insp *InspectResponse) []model.Port {
	if insp == nil {
		return nil
	}
	if insp.NetworkSettings != nil && len(insp.NetworkSettings.Ports) > 0 {
		return convertPortMap(insp.NetworkSettings.Ports)
	}
	if insp.HostConfig != nil {
		return convertPortMap(insp.HostConfig.PortBindings)
	}
	return nil
}

func convertPortMap(pm nat.PortMap) []model.Port {
	var ports []model.Port
	for port, bindings := range pm {
		containerPort, err := strconv.Atoi(port.Port())
		if err != nil {
			continue
		}
		for _, b := range bindings {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			ports = append(ports, model.Port{ContainerPort: containerPort, HostPort: hostPort, Protocol: port.Proto()})
		}
	}
	return ports
}
