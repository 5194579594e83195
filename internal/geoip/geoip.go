// Package geoip classifies IP addresses for geographic rules.
//
// Real geo-IP and anonymizer feeds are out of scope; the StaticProvider answers
// from a prefix table that operators can load from a file. Anything that
// implements domain.GeoIPProvider can replace it.
package geoip

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Entry classifies every address inside Prefix.
type Entry struct {
	Prefix  netip.Prefix
	Country string
	VPN     bool
	Proxy   bool
	Tor     bool
}

// StaticProvider answers lookups from an in-memory prefix table.
// The longest matching prefix wins. It is immutable after construction.
type StaticProvider struct {
	entries []Entry
}

var _ domain.GeoIPProvider = (*StaticProvider)(nil)

// NewStaticProvider builds a provider from entries.
func NewStaticProvider(entries ...Entry) *StaticProvider {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	for i := range sorted {
		sorted[i].Prefix = sorted[i].Prefix.Masked()
		sorted[i].Country = strings.ToUpper(sorted[i].Country)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Prefix.Bits() > sorted[j].Prefix.Bits()
	})
	return &StaticProvider{entries: sorted}
}

// Lookup classifies ip. Unknown addresses come back with no country and no flags.
func (p *StaticProvider) Lookup(ctx context.Context, ip string) (domain.IPInfo, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return domain.IPInfo{}, fmt.Errorf("%w: ip %q", domain.ErrInvalidInput, ip)
	}
	addr = addr.Unmap()

	info := domain.IPInfo{IP: addr.String()}
	for _, e := range p.entries {
		if e.Prefix.Contains(addr) {
			info.Country = e.Country
			info.IsVPN = e.VPN
			info.IsProxy = e.Proxy
			info.IsTor = e.Tor
			break
		}
	}
	return info, nil
}

// Len returns the number of table entries.
func (p *StaticProvider) Len() int {
	return len(p.entries)
}

// ParseTable reads one entry per line: "<cidr> <country> [vpn] [proxy] [tor]".
// Blank lines and lines starting with # are ignored. Use "-" for an unknown country.
func ParseTable(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected cidr and country", line)
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		e := Entry{Prefix: prefix}
		if fields[1] != "-" {
			e.Country = fields[1]
		}
		for _, flag := range fields[2:] {
			switch strings.ToLower(flag) {
			case "vpn":
				e.VPN = true
			case "proxy":
				e.Proxy = true
			case "tor":
				e.Tor = true
			default:
				return nil, fmt.Errorf("line %d: unknown flag %q", line, flag)
			}
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadFile builds a provider from a table file.
func LoadFile(path string) (*StaticProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip table: %w", err)
	}
	defer f.Close()

	entries, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("parse geoip table %s: %w", path, err)
	}
	return NewStaticProvider(entries...), nil
}
