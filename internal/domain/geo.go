package domain

import "context"

// IPInfo is what a geo-IP provider knows about an address.
type IPInfo struct {
	IP      string `json:"ip"`
	Country string `json:"country,omitempty"`
	IsVPN   bool   `json:"isVpn"`
	IsProxy bool   `json:"isProxy"`
	IsTor   bool   `json:"isTor"`
}

// GeoIPProvider classifies IP addresses for the geographic rule category.
// Implementations must be safe for concurrent use.
type GeoIPProvider interface {
	Lookup(ctx context.Context, ip string) (IPInfo, error)
}
