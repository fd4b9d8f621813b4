// Package targets expands source host lists into individual addresses.
package targets

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// maxExpansion bounds the number of targets a single entry may produce
const maxExpansion = 65536

var (
	rangePattern    = regexp.MustCompile(`\[(\d{1,3}):(\d{1,3})\]`)
	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9\-_]{0,62})(\.[A-Za-z0-9]([A-Za-z0-9\-_]{0,62}))*\.?$`)
)

// Expand turns host entries into individual targets, removing excluded ones.
// Entries may be IPv4/IPv6 literals, hostnames, CIDR blocks or octet ranges
// such as 192.168.1.[1:5]. Output keeps first-seen order without duplicates.
func Expand(hosts, exclude []string) ([]string, error) {
	excluded := map[string]bool{}
	for _, entry := range exclude {
		addrs, err := expandEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude entry: %w", err)
		}
		for _, a := range addrs {
			excluded[a] = true
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, entry := range hosts {
		addrs, err := expandEntry(entry)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			if seen[a] || excluded[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// Validate checks host entries without expanding them into a list
func Validate(entries []string) error {
	for _, entry := range entries {
		if _, err := expandEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func expandEntry(entry string) ([]string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, fmt.Errorf("empty host entry")
	}

	if strings.Contains(entry, "/") {
		return expandCIDR(entry)
	}
	if rangePattern.MatchString(entry) {
		return expandRanges(entry)
	}
	if addr, err := netip.ParseAddr(entry); err == nil {
		return []string{addr.String()}, nil
	}
	if hostnamePattern.MatchString(entry) && !looksNumeric(entry) {
		return []string{strings.ToLower(strings.TrimSuffix(entry, "."))}, nil
	}
	return nil, fmt.Errorf("%q is not an address, hostname, CIDR or range", entry)
}

// looksNumeric rejects malformed dotted quads like 10.0.0.300 that the
// hostname pattern would otherwise accept
func looksNumeric(s string) bool {
	for _, r := range s {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func expandCIDR(entry string) ([]string, error) {
	prefix, err := netip.ParsePrefix(entry)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("CIDR %q is too large to scan", entry)
	}

	var out []string
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		out = append(out, a.String())
		if !a.Next().IsValid() {
			break
		}
	}
	// network and broadcast addresses are not hosts for IPv4 blocks larger than /31
	if prefix.Addr().Is4() && hostBits >= 2 {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

func expandRanges(entry string) ([]string, error) {
	results := []string{entry}
	for {
		var next []string
		expanded := false
		for _, candidate := range results {
			loc := rangePattern.FindStringSubmatchIndex(candidate)
			if loc == nil {
				next = append(next, candidate)
				continue
			}
			expanded = true
			lo, _ := strconv.Atoi(candidate[loc[2]:loc[3]])
			hi, _ := strconv.Atoi(candidate[loc[4]:loc[5]])
			if lo > hi || hi > 255 {
				return nil, fmt.Errorf("invalid range [%d:%d] in %q", lo, hi, entry)
			}
			for i := lo; i <= hi; i++ {
				next = append(next, candidate[:loc[0]]+strconv.Itoa(i)+candidate[loc[1]:])
			}
			if len(next) > maxExpansion {
				return nil, fmt.Errorf("range %q expands to too many hosts", entry)
			}
		}
		results = next
		if !expanded {
			break
		}
	}

	for i, r := range results {
		addr, err := netip.ParseAddr(r)
		if err != nil || !addr.Is4() {
			return nil, fmt.Errorf("range %q does not produce IPv4 addresses", entry)
		}
		results[i] = addr.String()
	}
	return results, nil
}
