// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"net"

	"github.com/mikemanookin/manookin-package/support/network"
)

// Role is the role of a connected client.
type Role int

const (
	// DataSource is the acquisition bridge. Its connection starts a streaming
	// session.
	DataSource Role = iota
	// ControlClient is any other client.
	ControlClient
)

func (r Role) String() string {
	switch r {
	case DataSource:
		return "DataSource"
	case ControlClient:
		return "ControlClient"
	default:
		return "Unknown"
	}
}

// ClientClassifier decides the Role of a newly-connected peer.
type ClientClassifier interface {
	Classify(peer net.Addr) Role
}

// ClassifierFunc is a ClientClassifier implemented by a function.
type ClassifierFunc func(peer net.Addr) Role

// Classify implements ClientClassifier.
func (fn ClassifierFunc) Classify(peer net.Addr) Role { return fn(peer) }

// AddressClassifier classifies a peer as the DataSource when its IP address,
// rendered as a string, exactly equals DataSourceAddr. Every other peer is a
// ControlClient.
//
// There is no authentication beyond this comparison.
type AddressClassifier struct {
	DataSourceAddr string
}

// Classify implements ClientClassifier.
func (ac *AddressClassifier) Classify(peer net.Addr) Role {
	if ip := network.HostIP(peer); ip != nil && ip.String() == ac.DataSourceAddr {
		return DataSource
	}
	return ControlClient
}
