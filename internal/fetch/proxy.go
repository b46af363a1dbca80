package fetch

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProxyPool hands out outbound proxies round-robin. The pool is owned by
// whoever drives the fetch client, not a package singleton; a nil pool
// means direct connections.
//
// When a provider URL is configured the list is re-fetched on its own long
// interval (the provider returns one proxy URL per line). A refresh failure
// keeps the previous list.
type ProxyPool struct {
	mu      sync.Mutex
	proxies []string
	next    int

	providerURL  string
	refreshEvery time.Duration
	lastRefresh  time.Time

	http   *resty.Client
	logger *slog.Logger
}

// NewProxyPool builds a pool from a static list and/or a provider URL.
func NewProxyPool(static []string, providerURL string, refreshEvery time.Duration, logger *slog.Logger) *ProxyPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyPool{
		proxies:      static,
		providerURL:  providerURL,
		refreshEvery: refreshEvery,
		http:         resty.New().SetTimeout(15 * time.Second),
		logger:       logger.With(slog.String("component", "proxy_pool")),
	}
}

// Next returns the next proxy URL, refreshing the list first when due.
// Returns "" for an empty pool.
func (p *ProxyPool) Next(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.providerURL != "" && time.Since(p.lastRefresh) >= p.refreshEvery {
		p.lastRefresh = time.Now()
		if err := p.refreshLocked(ctx); err != nil {
			p.logger.Warn("proxy list refresh failed, keeping previous list",
				slog.String("error", err.Error()))
		}
	}

	if len(p.proxies) == 0 {
		return "", nil
	}
	proxy := p.proxies[p.next%len(p.proxies)]
	p.next++
	return proxy, nil
}

// Size returns the current number of proxies in the pool.
func (p *ProxyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

func (p *ProxyPool) refreshLocked(ctx context.Context) error {
	resp, err := p.http.R().SetContext(ctx).Get(p.providerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: status %d", ErrTransientNetwork, resp.StatusCode())
	}

	var proxies []string
	scanner := bufio.NewScanner(strings.NewReader(resp.String()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}

	if len(proxies) == 0 {
		return fmt.Errorf("provider returned no proxies")
	}
	p.proxies = proxies
	p.next = 0
	p.logger.Info("proxy list refreshed", slog.Int("count", len(proxies)))
	return nil
}
