// ABOUTME: Optional SOCKS5-over-SSH egress proxy for reaching the vendor
// ABOUTME: Builds a DialContext from an ONE2TRACK_ALL_PROXY style URL

package services

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	proxy "github.com/cloudfoundry/socks5-proxy"
)

// ValidateProxyKeyPath rejects SSH key paths containing traversal segments
// and anything that is not a plain readable file.
func ValidateProxyKeyPath(path string) (string, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		decoded = path
	}
	if strings.Contains(decoded, "..") {
		return "", fmt.Errorf("private-key path must not contain '..': %s", path)
	}

	cleaned := filepath.Clean(decoded)
	info, err := os.Stat(cleaned)
	if err != nil {
		return "", fmt.Errorf("private-key path not readable: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("private-key path is a directory: %s", cleaned)
	}
	return cleaned, nil
}

// createSOCKS5DialContextFunc creates a dial function for SSH+SOCKS5 proxy
// connections. Supports format: ssh+socks5://user@host:port?private-key=/path/to/key
// Returns nil when the proxy URL is unusable, in which case the transport
// dials directly.
func createSOCKS5DialContextFunc(allProxy string) func(ctx context.Context, network, address string) (net.Conn, error) {
	allProxy = strings.TrimPrefix(allProxy, "ssh+")

	proxyURL, err := url.Parse(allProxy)
	if err != nil {
		slog.Error("Failed to parse ONE2TRACK_ALL_PROXY URL", "error", err)
		return nil
	}

	queryMap, err := url.ParseQuery(proxyURL.RawQuery)
	if err != nil {
		slog.Error("Failed to parse ONE2TRACK_ALL_PROXY query params", "error", err)
		return nil
	}

	username := ""
	if proxyURL.User != nil {
		username = proxyURL.User.Username()
	}

	proxySSHKeyPath := queryMap.Get("private-key")
	if proxySSHKeyPath == "" {
		slog.Error("ONE2TRACK_ALL_PROXY missing required 'private-key' query param")
		return nil
	}

	validatedPath, err := ValidateProxyKeyPath(proxySSHKeyPath)
	if err != nil {
		slog.Error("ONE2TRACK_ALL_PROXY private-key rejected", "error", err)
		return nil
	}

	proxySSHKey, err := os.ReadFile(validatedPath)
	if err != nil {
		slog.Error("Failed to read SSH private key", "path", validatedPath, "error", err)
		return nil
	}

	socks5Proxy := proxy.NewSocks5Proxy(proxy.NewHostKey(), log.Default(), 1*time.Minute)

	var (
		dialer proxy.DialFunc
		mut    sync.RWMutex
	)

	return func(ctx context.Context, network, address string) (net.Conn, error) {
		mut.RLock()
		haveDialer := dialer != nil
		mut.RUnlock()

		if haveDialer {
			return dialer(network, address)
		}

		mut.Lock()
		defer mut.Unlock()
		if dialer == nil {
			proxyDialer, err := socks5Proxy.Dialer(username, string(proxySSHKey), proxyURL.Host)
			if err != nil {
				return nil, fmt.Errorf("error creating SOCKS5 dialer: %w", err)
			}
			dialer = proxyDialer
		}
		return dialer(network, address)
	}
}
