package serviceregistry

import (
	"testing"

	"github.com/snadboy/revpctl/internal/hostobserver"
	"github.com/snadboy/revpctl/internal/model"
)

func container(id, name, domain string, hostPort int) model.Container {
	return model.Container{
		ID:      id,
		Name:    name,
		Labels:  map[string]string{"snadboy.revp.80.domain": domain},
		Ports:   []model.Port{{ContainerPort: 80, HostPort: hostPort, Protocol: "tcp"}},
		Running: true,
	}
}

func TestApplyContainerEventSyncAddsServices(t *testing.T) {
	var lastDiff Diff
	r := New(func(d Diff) { lastDiff = d })

	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind:       hostobserver.KindSync,
		HostAlias:  "host1",
		Containers: []model.Container{container("c1", "web", "app.example.com", 9000)},
	}, "10.0.0.1")

	desired := r.Desired()
	if len(desired) != 1 || desired[0].Domain != "app.example.com" {
		t.Fatalf("unexpected desired set: %+v", desired)
	}
	if len(lastDiff.Added) != 1 {
		t.Fatalf("expected 1 added, got %+v", lastDiff)
	}
}

func TestApplyContainerEventChangedUpdatesService(t *testing.T) {
	r := New(nil)
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host1",
		Containers: []model.Container{container("c1", "web", "app.example.com", 9000)},
	}, "10.0.0.1")

	var diff Diff
	r.onDiff = func(d Diff) { diff = d }
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindChanged, HostAlias: "host1",
		Container: container("c1", "web", "app.example.com", 9100),
	}, "10.0.0.1")

	if len(diff.Updated) != 1 {
		t.Fatalf("expected 1 updated, got %+v", diff)
	}
	if diff.Updated[0].Backend.Port != 9100 {
		t.Errorf("Backend.Port = %d, want 9100", diff.Updated[0].Backend.Port)
	}
}

func TestApplyContainerEventRemovedClearsService(t *testing.T) {
	r := New(nil)
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host1",
		Containers: []model.Container{container("c1", "web", "app.example.com", 9000)},
	}, "10.0.0.1")

	var diff Diff
	r.onDiff = func(d Diff) { diff = d }
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindRemoved, HostAlias: "host1", RemovedID: "c1",
	}, "10.0.0.1")

	if len(diff.Removed) != 1 || diff.Removed[0].Domain != "app.example.com" {
		t.Fatalf("expected 1 removed, got %+v", diff)
	}
	if len(r.Desired()) != 0 {
		t.Errorf("expected empty desired set, got %+v", r.Desired())
	}
}

func TestStaticRecordWinsOverContainer(t *testing.T) {
	r := New(nil)
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host1",
		Containers: []model.Container{container("c1", "web", "app.example.com", 9000)},
	}, "10.0.0.1")
	r.ApplyStaticRecords([]model.StaticRecord{
		{ID: "static1", Domain: "app.example.com", BackendURL: "http://10.0.0.9:8080"},
	})

	desired := r.Desired()
	if len(desired) != 1 {
		t.Fatalf("expected 1 service, got %+v", desired)
	}
	if desired[0].Origin != model.OriginStatic {
		t.Errorf("expected static record to win, got origin %v", desired[0].Origin)
	}
}

func TestContainerTieBreakByHostAlias(t *testing.T) {
	r := New(nil)
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host-b",
		Containers: []model.Container{container("c-z", "web", "app.example.com", 9000)},
	}, "10.0.0.2")
	r.ApplyContainerEvent(hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host-a",
		Containers: []model.Container{container("c-y", "web", "app.example.com", 9100)},
	}, "10.0.0.1")

	desired := r.Desired()
	if len(desired) != 1 {
		t.Fatalf("expected 1 service, got %+v", desired)
	}
	if desired[0].HostAlias != "host-a" {
		t.Errorf("expected host-a (lexicographically lowest) to win, got %q", desired[0].HostAlias)
	}
}

func TestNoDiffWhenNothingChanges(t *testing.T) {
	r := New(nil)
	evt := hostobserver.ContainerEvent{
		Kind: hostobserver.KindSync, HostAlias: "host1",
		Containers: []model.Container{container("c1", "web", "app.example.com", 9000)},
	}
	r.ApplyContainerEvent(evt, "10.0.0.1")

	var diffCount int
	r.onDiff = func(d Diff) { diffCount++ }
	r.ApplyContainerEvent(evt, "10.0.0.1")

	if diffCount != 0 {
		t.Errorf("expected no diff for identical resync, got %d calls", diffCount)
	}
}
