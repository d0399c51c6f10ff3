// Copyright (c) 2026 The eventwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import "net"

// NormalizeAddress returns addr with defaultPort added when it has no port.
// An error is returned if the address is invalid even without a port.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	// A missing port is fixed by adding one.  If that does not help,
	// the original error describes the actual problem.
	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}
	return addr, nil
}

// NormalizeAddresses normalizes every address with NormalizeAddress and
// drops duplicates, keeping the first occurrence.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string, error) {
	var (
		normalized = make([]string, 0, len(addrs))
		seen       = make(map[string]struct{})
	)
	for _, addr := range addrs {
		n, err := NormalizeAddress(addr, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[n]; ok {
			continue
		}
		normalized = append(normalized, n)
		seen[n] = struct{}{}
	}
	return normalized, nil
}
