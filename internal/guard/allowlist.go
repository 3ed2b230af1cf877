package guard

import (
	"net/netip"

	"fibertrack/internal/config"
)

type Allowlist struct {
	prefixes []netip.Prefix
	optional bool
}

func NewAllowlist(cfg config.AllowlistConfig) (*Allowlist, error) {
	a := &Allowlist{optional: cfg.Optional}
	for _, raw := range cfg.CIDRs {
		p, err := config.ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		a.prefixes = append(a.prefixes, p)
	}
	return a, nil
}

// Permits reports whether ip may deliver events. An empty or optional list
// admits every address.
func (a *Allowlist) Permits(ip string) bool {
	if a == nil || a.optional || len(a.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
