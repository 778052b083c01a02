// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package network contains local address resolution and address helpers.
package network

import (
	"net"
	"os"

	"github.com/mikemanookin/manookin-package/support/errs"

	"github.com/pkg/errors"
)

// siteLocalNets are the IPv4 private ranges and the deprecated IPv6
// site-local prefix.
var siteLocalNets = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("fec0::/10"),
}

func mustParseCIDR(v string) *net.IPNet {
	_, n, err := net.ParseCIDR(v)
	if err != nil {
		panic(err)
	}
	return n
}

// IsSiteLocal returns true if ip is a site-local address.
func IsSiteLocal(ip net.IP) bool {
	for _, n := range siteLocalNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// SelectAdvertisedIP chooses the address that clients should dial from a set
// of local interface addresses.
//
// The first site-local, non-loopback address is preferred. If there is none,
// the first address that holds an IP is returned. If addrs holds no IP
// addresses, SelectAdvertisedIP returns nil.
func SelectAdvertisedIP(addrs []net.Addr) net.IP {
	var first net.IP
	for _, addr := range addrs {
		ipNet := GetIPNet(addr)
		if ipNet == nil {
			continue
		}
		if first == nil {
			first = ipNet.IP
		}

		if IsSiteLocal(ipNet.IP) && !ipNet.IP.IsLoopback() {
			return ipNet.IP
		}
	}
	return first
}

// Resolver resolves the local address to advertise and listen on.
//
// The zero value queries the host.
type Resolver struct {
	// InterfaceAddrs, if not nil, replaces net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)
	// Hostname, if not nil, replaces os.Hostname.
	Hostname func() (string, error)
	// LookupIP, if not nil, replaces net.LookupIP.
	LookupIP func(host string) ([]net.IP, error)
}

// Resolve selects the local IP address via SelectAdvertisedIP. If no interface
// addresses can be enumerated, it falls back to the host name's default
// address.
//
// If no address can be found at all, Resolve returns an errs.Network error.
func (r *Resolver) Resolve() (net.IP, error) {
	interfaceAddrs := r.InterfaceAddrs
	if interfaceAddrs == nil {
		interfaceAddrs = net.InterfaceAddrs
	}

	addrs, enumErr := interfaceAddrs()
	if ip := SelectAdvertisedIP(addrs); ip != nil {
		return ip, nil
	}

	ip, err := r.defaultHostIP()
	if err == nil {
		return ip, nil
	}
	if enumErr != nil {
		err = errors.Wrapf(err, "after failing to list interface addresses (%s)", enumErr)
	}
	return nil, errs.New(errs.Network, "resolve local address", err)
}

func (r *Resolver) defaultHostIP() (net.IP, error) {
	hostname, lookupIP := r.Hostname, r.LookupIP
	if hostname == nil {
		hostname = os.Hostname
	}
	if lookupIP == nil {
		lookupIP = net.LookupIP
	}

	host, err := hostname()
	if err != nil {
		return nil, errors.Wrap(err, "could not get host name")
	}
	ips, err := lookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve host %q", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("host %q has no addresses", host)
	}
	return ips[0], nil
}

// ResolveLocalIP resolves the local address using the host's interfaces.
func ResolveLocalIP() (net.IP, error) { return (&Resolver{}).Resolve() }

// HostIP returns the IP component of addr, or nil if addr does not carry one.
func HostIP(addr net.Addr) net.IP {
	switch t := addr.(type) {
	case *net.TCPAddr:
		return t.IP
	case *net.UDPAddr:
		return t.IP
	}
	if ipNet := GetIPNet(addr); ipNet != nil {
		return ipNet.IP
	}
	if addr == nil {
		return nil
	}

	// Fall back to parsing the address string.
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

// GetIPNet returns the IP network described by addr, or nil if addr is not an
// IP address.
func GetIPNet(addr net.Addr) *net.IPNet {
	switch t := addr.(type) {
	case *net.IPNet:
		return t
	case *net.IPAddr:
		return &net.IPNet{
			IP:   t.IP,
			Mask: t.IP.DefaultMask(),
		}
	case *net.TCPAddr:
		return &net.IPNet{
			IP:   t.IP,
			Mask: t.IP.DefaultMask(),
		}
	case *net.UDPAddr:
		return &net.IPNet{
			IP:   t.IP,
			Mask: t.IP.DefaultMask(),
		}
	default:
		// Not an IP interface.
		return nil
	}
}
