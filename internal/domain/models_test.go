package domain

import "testing"

func TestParseApplication(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Application
		ok   bool
	}{
		{"vnc", AppVNC, true},
		{" TERMINAL ", AppTerminal, true},
		{"web_server", AppWebServer, true},
		{"ftp", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseApplication(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseApplication(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestApplicationDefaults(t *testing.T) {
	t.Parallel()

	if AppVNC.DefaultPort() != 5900 || AppVNC.Capability() != CapVNC {
		t.Fatalf("unexpected VNC defaults: %d %s", AppVNC.DefaultPort(), AppVNC.Capability())
	}
	if AppSystem.Capability() != "" {
		t.Fatal("system tunnel must not map to a user capability")
	}
	if AppRDP.Protocol() != ProtocolTCP {
		t.Fatal("expected tcp protocol")
	}
}

func TestCapabilitySet(t *testing.T) {
	t.Parallel()

	s := ParseCapabilitySet("ssh, VNC,bogus")
	if !s.Has(CapSSH) || !s.Has(CapVNC) {
		t.Fatalf("expected ssh and vnc in %q", s)
	}
	if s.Has(CapRDP) || s.Has(CapHTTP) {
		t.Fatalf("unexpected capability in %q", s)
	}
	if got := s.String(); got != "ssh,vnc" {
		t.Fatalf("String() = %q", got)
	}
}

func TestNodeAppFallsBackToDefaultPort(t *testing.T) {
	t.Parallel()

	n := Node{Apps: []AppPort{{App: AppVNC}, {App: AppTerminal, LocalPort: 2222}}}
	vnc, ok := n.App(AppVNC)
	if !ok || vnc.LocalPort != 5900 {
		t.Fatalf("unexpected vnc mapping %+v %v", vnc, ok)
	}
	term, _ := n.App(AppTerminal)
	if term.LocalPort != 2222 {
		t.Fatalf("unexpected terminal port %d", term.LocalPort)
	}
	if _, ok := n.App(AppRDP); ok {
		t.Fatal("rdp is not declared")
	}
}

func TestSessionStatusFinished(t *testing.T) {
	t.Parallel()

	for _, s := range []SessionStatus{SessionDisconnected, SessionExpired, SessionError, SessionTerminated} {
		if !s.Finished() {
			t.Fatalf("%s should be finished", s)
		}
	}
	for _, s := range []SessionStatus{SessionPending, SessionConnecting, SessionActive} {
		if s.Finished() {
			t.Fatalf("%s should not be finished", s)
		}
	}
}
