// Package railway implements the top-level fabric: a registry of stations
// and tunnels, tunnel lifecycle management, and per-hop packet routing.
//
// The registry is read-mostly: route operations take a read lock, while
// registration, tunnel creation and teardown are the write-side critical
// sections. The railway owns every station and tunnel it creates; a tunnel
// may only reference stations already registered in its owning railway.
//
// No operation here performs blocking I/O; routing is a synchronous,
// CPU-bound transform. Handing a next-hop packet to an actual network is
// the external transport's concern.
package railway
