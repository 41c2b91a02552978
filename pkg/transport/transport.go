package transport

// Transport abstracts the cluster-internal transport layer sufficiently to
// expose the local advertised address (e.g., RAFT bind address). Higher-level
// management RPC is provided via RPCServer/RPCClient.
type Transport interface {
    // Addr returns the local bind/advertise address if applicable.
    Addr() string
}

// staticAddr is a Transport that only carries an address string, for callers
// that have no lower-level transport of their own (e.g. Raft, which already
// owns its bind socket) and just need something satisfying Options.Transport.
type staticAddr struct {
    addr string
}

func (s *staticAddr) Addr() string { return s.addr }

// NewStaticAddr wraps addr as a Transport. It opens no sockets.
func NewStaticAddr(addr string) Transport {
    return &staticAddr{addr: addr}
}
