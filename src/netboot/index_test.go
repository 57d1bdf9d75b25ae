package netboot

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestClientProbesTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hc, err := Client(Config{Timeout: 2 * time.Second, ProbeURL: srv.URL})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if hc.Timeout != 2*time.Second {
		t.Fatalf("timeout not applied: %v", hc.Timeout)
	}
}

func TestClientProbeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := Client(Config{ProbeURL: srv.URL}); err == nil {
		t.Fatalf("expected probe failure on 502")
	}
}

func TestBuildTransportProxies(t *testing.T) {
	u, _ := url.Parse("socks5://127.0.0.1:1080")
	tr, err := buildTransport(u, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if tr.DialContext == nil || tr.Proxy != nil {
		t.Fatalf("socks5 proxy should dial through the proxy dialer")
	}

	u, _ = url.Parse("http://127.0.0.1:7890")
	tr, err = buildTransport(u, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Proxy == nil {
		t.Fatalf("http proxy not set")
	}

	u, _ = url.Parse("ftp://127.0.0.1:21")
	if _, err := buildTransport(u, nil, false); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestSuspiciousAddrs(t *testing.T) {
	cases := map[string]bool{
		"169.254.10.1":  true,
		"10.0.0.8":      true,
		"192.168.1.1":   true,
		"0.0.0.0":       true,
		"93.184.216.34": false,
		"127.0.0.1":     false,
	}
	for ip, want := range cases {
		if got := suspicious([]net.IPAddr{{IP: net.ParseIP(ip)}}); got != want {
			t.Fatalf("%s: got %v want %v", ip, got, want)
		}
	}
	if !suspicious(nil) {
		t.Fatalf("an empty answer is suspicious")
	}
}

func TestClientCleanDNSRoute(t *testing.T) {
	hc, err := Client(Config{CleanDNS: true})
	if err != nil {
		t.Fatal(err)
	}
	tr := hc.Transport.(*http.Transport)
	if tr.DialContext == nil || tr.Proxy != nil {
		t.Fatalf("clean DNS must dial through the public resolver without the env proxy")
	}

	// localhost 解析为回环地址，不视为污染，保持环境代理
	hc, err = Client(Config{DNSCheckHost: "localhost"})
	if err != nil {
		t.Fatal(err)
	}
	if tr := hc.Transport.(*http.Transport); tr.Proxy == nil {
		t.Fatalf("expected the env proxy route")
	}
}
