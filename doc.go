// Package directble is a direct Bluetooth Low Energy stack: it speaks the
// Linux kernel's management control channel, raw HCI socket, and L2CAP
// ATT fixed channel itself, bypassing the platform Bluetooth daemon.
//
// Three protocol engines do the real work:
//
//   - mgmt: drives adapter power, discoverability, and scanning over the
//     kernel's management control socket.
//   - hci: reads and classifies asynchronous controller events off the
//     raw HCI socket, correlates them with outstanding commands, and
//     normalizes connection lifecycle events.
//   - gatt: runs the Attribute Protocol over one L2CAP sequential-packet
//     channel per connected peer, discovering the service/characteristic/
//     descriptor tree and serving reads, writes, and notifications.
//
// This package carries the shared wire model every other package
// depends on: Bluetooth addresses (BDAddr), UUIDs (UUID), bounds-checked
// octet buffers (View/MutableView/Buffer), adapter records (AdapterInfo),
// and parsed advertising/inquiry reports (Advertisement). The top-level
// orchestrator tying mgmt/hci/gatt/registry together lives in the
// sibling stack package, so this package stays free of a dependency
// cycle back onto its own consumers.
//
// This package implements central/observer-role LE: scanning, connecting,
// and GATT client operations. It does not advertise, does not run a GATT
// server, does not perform pairing/bonding, and keeps no state across
// process runs.
package directble
