package netboot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xnetproxy "golang.org/x/net/proxy"
)

// Config 出站 HTTP 配置（行情拉取 / Telegram 推送共用）
type Config struct {
	Proxy        string        // 空=环境代理；http(s)://host:port 或 socks5://host:port
	CleanDNS     bool          // 直连时使用公共 DNS（规避 169.254.* / Fake-IP）
	DNSCheckHost string        // 可选：无代理且未开 CleanDNS 时检查该域名，解析可疑则自动开启
	Timeout      time.Duration // 单次请求超时
	ProbeURL     string        // 可选：构建后探活一次
}

// Client 按配置构建 *http.Client，不修改全局 DefaultTransport
// 顺序：显式代理 -> 环境代理 -> 直连(必要时切换干净 DNS)
func Client(cfg Config) (*http.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Proxy) == "" && !cfg.CleanDNS && cfg.DNSCheckHost != "" {
		polluted, err := LooksPolluted(cfg.DNSCheckHost)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("host", cfg.DNSCheckHost).Msg("系统 DNS 解析失败，改用公共 DNS")
			cfg.CleanDNS = true
		case polluted:
			log.Warn().Str("host", cfg.DNSCheckHost).Msg("系统 DNS 结果可疑，改用公共 DNS")
			cfg.CleanDNS = true
		}
	}

	var (
		tr   *http.Transport
		desc string
	)
	switch {
	case strings.TrimSpace(cfg.Proxy) != "":
		u, err := url.Parse(strings.TrimSpace(cfg.Proxy))
		if err != nil {
			return nil, fmt.Errorf("代理地址无效: %w", err)
		}
		if tr, err = buildTransport(u, nil, false); err != nil {
			return nil, err
		}
		desc = "Proxy " + u.Scheme + " " + u.Host
	case cfg.CleanDNS:
		tr, _ = buildTransport(nil, publicResolver("1.1.1.1:53"), false)
		desc = "Direct + CleanDNS(1.1.1.1)"
	default:
		tr, _ = buildTransport(nil, nil, true)
		desc = "EnvProxy"
	}

	hc := &http.Client{Timeout: cfg.Timeout, Transport: tr}
	if cfg.ProbeURL != "" {
		if err := probe(hc, cfg.ProbeURL); err != nil {
			return nil, fmt.Errorf("网络探活失败 (%s): %w", desc, err)
		}
	}
	log.Debug().Str("route", desc).Msg("出站网络就绪")
	return hc, nil
}

func probe(c *http.Client, target string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe http status %d", resp.StatusCode)
	}
	return nil
}

// —— 传输构建 —— //

// proxyURL==nil 且 useEnv==true：使用环境代理
// proxyURL=http/https：作为 HTTP 代理
// proxyURL=socks5：使用 SOCKS5 拨号
// resolver!=nil：直连时指定干净 DNS
func buildTransport(proxyURL *url.URL, resolver *net.Resolver, useEnv bool) (*http.Transport, error) {
	tr := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch {
	case proxyURL != nil && (proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h"):
		dialer, err := xnetproxy.FromURL(proxyURL, xnetproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 代理无效: %w", err)
		}
		if cd, ok := dialer.(xnetproxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.DialContext = func(_ context.Context, network, address string) (net.Conn, error) {
				return dialer.Dial(network, address)
			}
		}
	case proxyURL != nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https"):
		tr.Proxy = http.ProxyURL(proxyURL)
	case proxyURL != nil:
		return nil, fmt.Errorf("不支持的代理协议: %s", proxyURL.Scheme)
	case useEnv:
		tr.Proxy = http.ProxyFromEnvironment
	}

	if resolver != nil && tr.DialContext == nil {
		tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			d := &net.Dialer{Timeout: 10 * time.Second}
			for _, ip := range ips {
				if conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port)); err == nil {
					return conn, nil
				}
			}
			return nil, errors.New("all IPs failed")
		}
	}
	return tr, nil
}

// —— DNS 工具 —— //

// LooksPolluted 判断系统解析结果是否可疑（空 / 链路本地 / 私网）
func LooksPolluted(host string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return false, err
	}
	return suspicious(addrs), nil
}

func suspicious(addrs []net.IPAddr) bool {
	if len(addrs) == 0 {
		return true
	}
	for _, a := range addrs {
		ip := a.IP
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
			return true
		}
	}
	return false
}

func publicResolver(addr string) *net.Resolver {
	d := func(ctx context.Context, network, _ string) (net.Conn, error) {
		var nd net.Dialer
		nd.Timeout = 2 * time.Second
		if strings.HasPrefix(network, "tcp") {
			return nd.DialContext(ctx, "tcp", addr)
		}
		return nd.DialContext(ctx, "udp", addr)
	}
	return &net.Resolver{PreferGo: true, Dial: d}
}
