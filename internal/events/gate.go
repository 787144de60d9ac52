package events

import "sync/atomic"

// Gate decides whether log and statistics events reach the sink. Both flags
// default to disabled. Completion events are never gated.
type Gate struct {
	logs       atomic.Bool
	statistics atomic.Bool
}

func NewGate(logs, statistics bool) *Gate {
	g := &Gate{}
	g.logs.Store(logs)
	g.statistics.Store(statistics)
	return g
}

// EnableLogs reports whether the flag changed.
func (g *Gate) EnableLogs() bool {
	return g.logs.CompareAndSwap(false, true)
}

// DisableLogs reports whether the flag changed.
func (g *Gate) DisableLogs() bool {
	return g.logs.CompareAndSwap(true, false)
}

func (g *Gate) EnableStatistics() bool {
	return g.statistics.CompareAndSwap(false, true)
}

func (g *Gate) DisableStatistics() bool {
	return g.statistics.CompareAndSwap(true, false)
}

func (g *Gate) LogsEnabled() bool {
	return g.logs.Load()
}

func (g *Gate) StatisticsEnabled() bool {
	return g.statistics.Load()
}

// Admit evaluates the gate for an event of the given kind.
func (g *Gate) Admit(kind Kind) bool {
	switch kind {
	case KindLog:
		return g.LogsEnabled()
	case KindStatistics:
		return g.StatisticsEnabled()
	case KindComplete:
		return true
	default:
		return false
	}
}
