package syncer

import "sync/atomic"

// StatusFlag is a ConnectivityProbe fed by whoever last observed the
// network, typically the orchestrator reading each packet's offline flag.
type StatusFlag struct {
	online atomic.Bool
}

// NewStatusFlag returns a flag with the given initial state
func NewStatusFlag(online bool) *StatusFlag {
	f := &StatusFlag{}
	f.online.Store(online)
	return f
}

// Set records the latest connectivity observation. It reports whether the
// flag changed.
func (f *StatusFlag) Set(online bool) bool {
	return f.online.Swap(online) != online
}

// Online implements ConnectivityProbe
func (f *StatusFlag) Online() bool {
	return f.online.Load()
}
