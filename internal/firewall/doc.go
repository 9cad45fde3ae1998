// Package firewall manages the dedicated packet-filter chain that enforces
// camera privacy.
//
// All drops live in one chain (PRIVACY_CAM by default) that is jumped to from
// the host's forwarding and local-output paths. [Gateway] composes the
// primitive [Backend] operations into idempotent block and unblock calls:
// every mutation is preceded by an existence query, and unblocking loops until
// no entry for the address remains, up to a fixed attempt bound.
//
// Two backends are provided:
//
//   - [IPTablesBackend] shells out to iptables through a [CommandRunner],
//     with a timeout on every invocation.
//   - NFTablesBackend (linux only) programs an inet table over netlink.
//
// Nothing outside the dedicated chain and its two jump entries is touched.
package firewall
