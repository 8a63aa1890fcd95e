package launcher

import (
	"os"
	"reflect"
	"testing"

	"nsvisor/internal/supervisor/container"
	"nsvisor/internal/supervisor/plan"
	appErr "nsvisor/pkg/errors"
)

func TestBuildEnv(t *testing.T) {
	host := map[string]string{"TERM": "xterm", "HOME": "/root"}
	lookup := func(k string) (string, bool) {
		v, ok := host[k]
		return v, ok
	}
	req := Request{
		Name:    "web",
		WorkDir: "/work",
		Env: plan.EnvRules{
			Propagate: []string{"TERM", "LANG"},
			Set:       map[string]string{"APP_ENV": "dev", "TERM": "dumb"},
		},
		ChildEnv:   map[string]string{"APP_ENV": "prod"},
		Assignment: BridgeAssignment("/run/nsvisor/children/bridge", "/run/nsvisor/children"),
	}

	got := BuildEnv(req, lookup)
	want := []string{
		"APP_ENV=prod",
		"NSVISOR_CHILD=web",
		"NSVISOR_NAMESPACE_DIR=/run/nsvisor/children",
		"NSVISOR_WORKDIR=/work",
		"PATH=" + defaultPath,
		"TERM=dumb",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env\n got %q\nwant %q", got, want)
	}
}

func TestBuildEnvOnlyBridgeGetsNamespaceDir(t *testing.T) {
	req := Request{
		Name:       "api",
		Env:        plan.EnvRules{Set: map[string]string{"PATH": "/bin"}},
		Assignment: Assignment{Kind: Namespaced, NetPath: "n", UTSPath: "u", NamespaceDir: "/run/x"},
	}
	got := BuildEnv(req, nil)
	want := []string{"NSVISOR_CHILD=api", "PATH=/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected env %q", got)
	}
}

func TestAssignments(t *testing.T) {
	if a := HostNetAssignment(); a.Kind != HostNet || a.NetPath != "" {
		t.Fatalf("unexpected host-net assignment %+v", a)
	}
	a := NamespacedAssignment("/c/net.10.0.0.2", "/c/uts.10.0.0.2")
	if a.Kind != Namespaced || a.NetPath != "/c/net.10.0.0.2" || a.UTSPath != "/c/uts.10.0.0.2" {
		t.Fatalf("unexpected namespaced assignment %+v", a)
	}
	for kind, want := range map[AssignmentKind]string{HostNet: "host-net", Bridge: "bridge", Namespaced: "namespaced", 9: "unknown"} {
		if kind.String() != want {
			t.Fatalf("kind %d: got %s want %s", kind, kind.String(), want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"ok", Request{Name: "a", Command: []string{"x"}}, true},
		{"no name", Request{Command: []string{"x"}}, false},
		{"no command", Request{Name: "a"}, false},
		{"bridge without netns", Request{Name: "a", Command: []string{"x"}, Assignment: Assignment{Kind: Bridge}}, false},
		{"namespaced without uts", Request{Name: "a", Command: []string{"x"}, Assignment: Assignment{Kind: Namespaced, NetPath: "n"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRequest(tc.req)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestHostIDMapper(t *testing.T) {
	uids, gids := HostIDMapper{}.Mappings()
	if len(uids) != 1 || len(gids) != 1 {
		t.Fatalf("expected single mappings")
	}
	if uids[0].ContainerID != 0 || uids[0].HostID != os.Getuid() {
		t.Fatalf("unexpected uid mapping %+v", uids[0])
	}
	if os.Getuid() == 0 && uids[0].Size != rootMappingSize {
		t.Fatalf("root must get the full range")
	}
	if os.Getuid() != 0 && uids[0].Size != 1 {
		t.Fatalf("unprivileged mapping must be a single id")
	}
}

func TestNewInitRequest(t *testing.T) {
	req := Request{
		Name:      "web",
		Container: container.Container{Name: "base", RootFS: "/var/lib/web", SeccompProfile: "/etc/sec.json"},
		Command:   []string{"nginx"},
		WorkDir:   "/srv",
	}
	ir := newInitRequest(req, []string{"A=1"}, true)
	if ir.RootFS != "/var/lib/web" || ir.SeccompProfile != "/etc/sec.json" || !ir.PrivateMounts {
		t.Fatalf("unexpected init request %+v", ir)
	}
	if ir.WorkDir != "/srv" || ir.Command[0] != "nginx" || ir.Env[0] != "A=1" {
		t.Fatalf("unexpected init request %+v", ir)
	}
	if ir.NamespaceDir != "" {
		t.Fatalf("only the bridge child gets the namespace dir, got %q", ir.NamespaceDir)
	}
	if err := validateRequest(Request{Name: "x"}); !appErr.Is(err, appErr.SpawnFailed) {
		t.Fatalf("expected SpawnFailed, got %v", err)
	}
}

func TestNewInitRequestCarriesNamespaceDirForBridge(t *testing.T) {
	req := Request{
		Name:       "router",
		Container:  container.Container{Name: "base", RootFS: "/var/lib/router"},
		Command:    []string{"router"},
		Assignment: BridgeAssignment("/run/nsvisor/children/bridge", "/run/nsvisor/children"),
	}
	ir := newInitRequest(req, BuildEnv(req, nil), true)
	if ir.NamespaceDir != "/run/nsvisor/children" {
		t.Fatalf("bridge request must carry the namespace dir, got %+v", ir)
	}
	found := false
	for _, kv := range ir.Env {
		if kv == EnvNamespaceDir+"=/run/nsvisor/children" {
			found = true
		}
	}
	if !found {
		t.Fatalf("bridge env must point at the namespace dir: %v", ir.Env)
	}

	req.Assignment = NamespacedAssignment("/run/nsvisor/children/net.172.23.0.2", "/run/nsvisor/children/uts.172.23.0.2")
	if ir := newInitRequest(req, nil, true); ir.NamespaceDir != "" {
		t.Fatalf("namespaced child must not see the namespace dir, got %q", ir.NamespaceDir)
	}
}

func TestValidateConfigRequiresHelperForNamespaces(t *testing.T) {
	if err := validateConfig(Config{EnableNamespaces: true}); !appErr.Is(err, appErr.HelperRequired) {
		t.Fatalf("expected HelperRequired, got %v", err)
	}
	if err := validateConfig(Config{EnableNamespaces: true, HelperPath: "nsvisor-init"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := validateConfig(Config{}); err != nil {
		t.Fatalf("direct mode without namespaces must be allowed, got %v", err)
	}
}
