package defs

// stable syscall numbers
const (
	SYS_EXIT    = 0
	SYS_FORK    = 1
	SYS_READ    = 2
	SYS_WRITE   = 3
	SYS_OPEN    = 4
	SYS_CLOSE   = 5
	SYS_EXEC    = 6
	SYS_WAIT    = 7
	SYS_GETPID  = 8
	SYS_SYNC    = 9
	SYS_MQSEND  = 10
	SYS_MQRECV  = 11
	SYS_SEMWAIT = 12
	SYS_SEMPOST = 13

	// socket ops occupy 20..29
	SYS_SOCKET    = 20
	SYS_BIND      = 21
	SYS_CONNECT   = 22
	SYS_LISTEN    = 23
	SYS_ACCEPT    = 24
	SYS_SEND      = 25
	SYS_RECV      = 26
	SYS_SENDTO    = 27
	SYS_RECVFROM  = 28
	SYS_SOCKCLOSE = 29

	SYS_MAX = 30
)

// open modes
const (
	O_RDONLY = 0
	O_WRONLY = 1
	O_RDWR   = 2
)

// socket domains and types
const (
	AF_INET = 2

	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
)
