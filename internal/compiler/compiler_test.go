package compiler

import (
	"testing"

	"github.com/snadboy/revpctl/internal/model"
)

func containerWithPort(labels map[string]string, containerPort, hostPort int) model.Container {
	return model.Container{
		ID:     "abc123",
		Name:   "web",
		Labels: labels,
		Ports:  []model.Port{{ContainerPort: containerPort, HostPort: hostPort, Protocol: "tcp"}},
	}
}

func TestCompileContainerBasic(t *testing.T) {
	tests := []struct {
		name       string
		labels     map[string]string
		wantDomain string
		wantPort   int
		wantWarn   bool
	}{
		{
			name: "minimal valid service",
			labels: map[string]string{
				"snadboy.revp.8080.domain": "app.example.com",
			},
			wantDomain: "app.example.com",
			wantPort:   9000,
		},
		{
			name: "missing domain produces warning only",
			labels: map[string]string{
				"snadboy.revp.8080.backend-proto": "https",
			},
			wantWarn: true,
		},
		{
			name: "malformed domain rejected",
			labels: map[string]string{
				"snadboy.revp.8080.domain": "not a domain!",
			},
			wantWarn: true,
		},
		{
			name: "unrelated labels ignored",
			labels: map[string]string{
				"com.example.foo":         "bar",
				"snadboy.revp.8080.domain": "app.example.com",
			},
			wantDomain: "app.example.com",
			wantPort:   9000,
		},
		{
			name: "non-matching property ignored",
			labels: map[string]string{
				"snadboy.revp.8080.domain":  "app.example.com",
				"snadboy.revp.8080.bananas": "yes",
			},
			wantDomain: "app.example.com",
			wantPort:   9000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := containerWithPort(tt.labels, 8080, 9000)
			services, warnings := CompileContainer(c, "10.0.0.5")

			if tt.wantWarn {
				if len(warnings) == 0 {
					t.Fatal("expected a warning, got none")
				}
				if len(services) != 0 {
					t.Fatalf("expected no services, got %d", len(services))
				}
				return
			}

			if len(warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", warnings)
			}
			if len(services) != 1 {
				t.Fatalf("expected 1 service, got %d", len(services))
			}
			if services[0].Domain != tt.wantDomain {
				t.Errorf("Domain = %q, want %q", services[0].Domain, tt.wantDomain)
			}
			if services[0].Backend.Port != tt.wantPort {
				t.Errorf("Backend.Port = %d, want %d", services[0].Backend.Port, tt.wantPort)
			}
		})
	}
}

func TestCompileContainerDefaults(t *testing.T) {
	c := containerWithPort(map[string]string{
		"snadboy.revp.8080.domain": "app.example.com",
	}, 8080, 9000)

	services, warnings := CompileContainer(c, "10.0.0.5")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	svc := services[0]
	if svc.Backend.Proto != "http" {
		t.Errorf("Backend.Proto = %q, want http (default)", svc.Backend.Proto)
	}
	if svc.Backend.Path != "/" {
		t.Errorf("Backend.Path = %q, want / (default)", svc.Backend.Path)
	}
	if !svc.Options.ForceSSL {
		t.Error("Options.ForceSSL = false, want true (default)")
	}
	if svc.Options.SupportWebsocket {
		t.Error("Options.SupportWebsocket = true, want false (default)")
	}
}

func TestCompileContainerPortNotPublished(t *testing.T) {
	c := model.Container{
		ID:   "abc123",
		Name: "web",
		Labels: map[string]string{
			"snadboy.revp.8080.domain": "app.example.com",
		},
		// 8080 never appears in Ports.
		Ports: []model.Port{{ContainerPort: 9090, HostPort: 9090, Protocol: "tcp"}},
	}

	services, warnings := CompileContainer(c, "10.0.0.5")
	if len(services) != 0 {
		t.Fatalf("expected no services for unpublished port, got %d", len(services))
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
}

func TestCompileContainerTunnelDomainMaterializesAuxService(t *testing.T) {
	c := containerWithPort(map[string]string{
		"snadboy.revp.8080.domain":        "app.example.com",
		"snadboy.revp.8080.tunnel-domain": "tunnel.example.com",
	}, 8080, 9000)

	services, warnings := CompileContainer(c, "10.0.0.5")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services (main + tunnel), got %d", len(services))
	}

	main, aux := services[0], services[1]
	if main.Domain != "app.example.com" {
		t.Errorf("main Domain = %q", main.Domain)
	}
	if aux.Domain != "tunnel.example.com" {
		t.Errorf("aux Domain = %q", aux.Domain)
	}
	if !aux.Options.CloudflareTunnel {
		t.Error("aux service must have CloudflareTunnel=true")
	}
	if aux.Options.ForceSSL {
		t.Error("aux service must have ForceSSL=false")
	}
}

func TestCompileContainerMultiplePortGroups(t *testing.T) {
	c := model.Container{
		ID: "abc123",
		Labels: map[string]string{
			"snadboy.revp.8080.domain": "app.example.com",
			"snadboy.revp.9090.domain": "admin.example.com",
		},
		Ports: []model.Port{
			{ContainerPort: 8080, HostPort: 18080},
			{ContainerPort: 9090, HostPort: 19090},
		},
	}

	services, warnings := CompileContainer(c, "10.0.0.5")
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].Domain != "admin.example.com" && services[0].Domain != "app.example.com" {
		t.Errorf("unexpected domain ordering: %+v", services)
	}
}

func TestCompileStaticRecord(t *testing.T) {
	tests := []struct {
		name    string
		record  model.StaticRecord
		wantErr bool
	}{
		{
			name: "valid http record",
			record: model.StaticRecord{
				ID:         "rec-1",
				Domain:     "static.example.com",
				BackendURL: "http://10.0.0.9:8080",
			},
		},
		{
			name: "valid https record defaults to 443",
			record: model.StaticRecord{
				ID:         "rec-2",
				Domain:     "secure.example.com",
				BackendURL: "https://10.0.0.9",
			},
		},
		{
			name: "malformed domain rejected",
			record: model.StaticRecord{
				ID:         "rec-3",
				Domain:     "not a domain",
				BackendURL: "http://10.0.0.9:8080",
			},
			wantErr: true,
		},
		{
			name: "invalid backend_url rejected",
			record: model.StaticRecord{
				ID:         "rec-4",
				Domain:     "static.example.com",
				BackendURL: "::::not a url",
			},
			wantErr: true,
		},
		{
			name: "non-absolute backend_path rejected",
			record: model.StaticRecord{
				ID:          "rec-5",
				Domain:      "static.example.com",
				BackendURL:  "http://10.0.0.9:8080",
				BackendPath: "relative/path",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, warn := CompileStaticRecord(tt.record)
			if tt.wantErr {
				if warn == nil {
					t.Fatal("expected a warning, got none")
				}
				if svc != nil {
					t.Fatal("expected nil service on error")
				}
				return
			}
			if warn != nil {
				t.Fatalf("unexpected warning: %v", warn)
			}
			if svc.Domain != tt.record.Domain {
				t.Errorf("Domain = %q, want %q", svc.Domain, tt.record.Domain)
			}
		})
	}
}

func TestCompileStaticRecordForceSSLDefault(t *testing.T) {
	svc, warn := CompileStaticRecord(model.StaticRecord{
		ID:         "rec-1",
		Domain:     "static.example.com",
		BackendURL: "http://10.0.0.9:8080",
	})
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if !svc.Options.ForceSSL {
		t.Error("ForceSSL should default to true when omitted")
	}

	explicitFalse := false
	svc2, warn2 := CompileStaticRecord(model.StaticRecord{
		ID:         "rec-2",
		Domain:     "static2.example.com",
		BackendURL: "http://10.0.0.9:8080",
		ForceSSL:   &explicitFalse,
	})
	if warn2 != nil {
		t.Fatalf("unexpected warning: %v", warn2)
	}
	if svc2.Options.ForceSSL {
		t.Error("ForceSSL should be false when explicitly set")
	}
}

func TestCompileStaticRecordsMaterializesTunnel(t *testing.T) {
	forceSSL := false
	records := []model.StaticRecord{
		{
			ID:           "rec-1",
			Domain:       "app.example.com",
			BackendURL:   "http://10.0.0.9:8080",
			TunnelDomain: "tunnel.example.com",
			ForceSSL:     &forceSSL,
		},
	}
	services, warnings := CompileStaticRecords(records)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
}

func TestRevisionStable(t *testing.T) {
	c := containerWithPort(map[string]string{
		"snadboy.revp.8080.domain": "app.example.com",
	}, 8080, 9000)

	s1, _ := CompileContainer(c, "10.0.0.5")
	s2, _ := CompileContainer(c, "10.0.0.5")
	if s1[0].Revision != s2[0].Revision {
		t.Error("identical inputs produced different revisions")
	}

	c2 := containerWithPort(map[string]string{
		"snadboy.revp.8080.domain": "app.example.com",
		"snadboy.revp.8080.force-ssl": "false",
	}, 8080, 9000)
	s3, _ := CompileContainer(c2, "10.0.0.5")
	if s1[0].Revision == s3[0].Revision {
		t.Error("different options produced the same revision")
	}
}
