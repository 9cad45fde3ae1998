// Package config loads privacyd's configuration.
//
// Settings come from three layers, later ones winning:
//
//  1. built-in defaults
//  2. an optional HCL file (default /etc/privacyd/privacyd.hcl)
//  3. environment variables prefixed PRIVACYD_ (for example
//     PRIVACYD_DIRECTORY_HOST or PRIVACYD_SCHEDULE_SWEEP_INTERVAL)
//
// The historical DHT_HOST and DHT_PORT variables are still honoured for the
// directory address, below their PRIVACYD_ equivalents.
//
// Example file:
//
//	directory {
//	  host = "dht.lan"
//	  port = 3000
//	}
//
//	firewall {
//	  backend = "nftables"
//	}
//
//	schedule {
//	  timezone = "Europe/Rome"
//	}
//
//	ops_listen = "off"
package config
