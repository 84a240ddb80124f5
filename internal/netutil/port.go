// Package netutil picks listen addresses for the host's local endpoints.
package netutil

import (
	"fmt"
	"net"
	"strings"
)

// SelectBindAddr returns preferred when it is free, otherwise the first free
// candidate if autoFallback is set. Only loopback addresses are accepted since
// the API carries the channel endpoint.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	var tried []string
	try := func(addr string) (bool, error) {
		if err := requireLoopback(addr); err != nil {
			return false, err
		}
		tried = append(tried, addr)
		return IsAddrAvailable(addr)
	}

	if preferred != "" {
		ok, err := try(preferred)
		if err != nil {
			return "", err
		}
		if ok {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("bind address %s is in use", preferred)
		}
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		ok, err := try(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no free bind address among %s", strings.Join(tried, ", "))
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bind address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("bind address %s is not loopback", addr)
	}
	return nil
}

// IsAddrAvailable reports whether a TCP listener can be opened on addr.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}
