package defs

// caps on kernel object tables so no single workload can exhaust kernel
// memory. tests shrink these to exercise the limits.
type Syslimit_t struct {
	// live processes
	Procs int
	// open sockets
	Socks int
	// ARP cache entries
	Arpents int
}

var Syslimit = &Syslimit_t{
	Procs:   1024,
	Socks:   1024,
	Arpents: 256,
}
