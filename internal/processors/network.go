package processors

import (
	"net/netip"
	"strings"
)

func ipAddresses(prefix string, excluded map[string]bool, wantV4 bool) func(Input) (any, error) {
	return func(in Input) (any, error) {
		var ips []string
		for _, line := range in.Lines() {
			if !strings.HasPrefix(line, prefix) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			addr, _, _ := strings.Cut(fields[1], "/")
			if excluded[addr] {
				continue
			}
			parsed, err := netip.ParseAddr(addr)
			if err != nil || parsed.Is4() != wantV4 {
				continue
			}
			ips = append(ips, parsed.String())
		}
		ips = uniqueStrings(ips)
		if len(ips) == 0 {
			return NoData, nil
		}
		return ips, nil
	}
}

func macAddresses(in Input) (any, error) {
	var macs []string
	for _, line := range in.Lines() {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "link/ether" {
				continue
			}
			mac := strings.ToLower(fields[i+1])
			if mac != "00:00:00:00:00:00" {
				macs = append(macs, mac)
			}
		}
	}
	macs = uniqueStrings(macs)
	if len(macs) == 0 {
		return NoData, nil
	}
	return macs, nil
}

func networkProcessors() []*Processor {
	return []*Processor{
		{Key: "ip_address_show_ips", Process: ipAddresses("inet ", map[string]bool{"127.0.0.1": true, "0.0.0.0": true}, true)},
		{Key: "ip_address_show_ips_v6", Process: ipAddresses("inet6 ", map[string]bool{"::1": true}, false)},
		{Key: "ip_address_show_mac", Process: macAddresses},
	}
}
