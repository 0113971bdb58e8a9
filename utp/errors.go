package utp

// ResetError is returned by Conn.Err when the connection ended because a
// ST_RESET was received from the peer (spec §7's *peer-reset*: "upper
// layer sees EOF with reset cause").
type ResetError struct{}

func (e *ResetError) Error() string { return "utp: connection reset by peer" }

// TimeoutError is returned by Conn.Err when the connection ended because
// its retransmission retry limit was exceeded (spec §7's
// *retransmit-exhausted*: "upper layer sees timeout cause"), distinct from
// a peer-sent ST_RESET. It also satisfies net.Error.
type TimeoutError struct{}

func (e *TimeoutError) Error() string   { return "utp: connection timed out (retransmission exhausted)" }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return false }
