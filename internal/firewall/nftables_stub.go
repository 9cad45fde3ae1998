//go:build !linux
// +build !linux

package firewall

import "errors"

// ErrNFTablesUnsupported is returned on platforms without netlink nftables.
var ErrNFTablesUnsupported = errors.New("nftables backend requires linux")

// NewNFTablesBackend is unavailable off linux.
func NewNFTablesBackend(tableName, chain string) (Backend, error) {
	return nil, ErrNFTablesUnsupported
}
