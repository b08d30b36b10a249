package timeouts

import "time"

const (
	Probe           = 300 * time.Millisecond
	SecondShort     = 2 * time.Second
	SecondDefault   = 10 * time.Second
	SecondLong      = 30 * time.Second
	ShutdownGrace   = 15 * time.Second
	SegmentDefault  = 30 * time.Minute
	SocketWrite     = 10 * time.Second
	SocketPing      = 30 * time.Second
	SocketPongGrace = 60 * time.Second
)
