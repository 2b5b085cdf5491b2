package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"threadrelay/internal/domain"
)

// privateRanges lists the private and reserved blocks a file URL may never
// point at.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range privateRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// ValidateFileURL checks that rawURL may receive a bearer token: https, and
// a host equal to or under one of allowedHosts. Literal private addresses
// are rejected regardless of the allow list.
func ValidateFileURL(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError("ValidateFileURL", domain.ErrUntrustedURL, fmt.Sprintf("invalid URL: %v", err))
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return domain.NewDomainError("ValidateFileURL", domain.ErrUntrustedURL,
			fmt.Sprintf("scheme %q not allowed, only https", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return domain.NewDomainError("ValidateFileURL", domain.ErrUntrustedURL, "empty hostname")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return domain.NewDomainError("ValidateFileURL", domain.ErrUntrustedURL,
			fmt.Sprintf("IP %s is private/reserved", ip))
	}

	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return domain.NewDomainError("ValidateFileURL", domain.ErrUntrustedURL,
		fmt.Sprintf("host %s is not an allowed file host", host))
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}
