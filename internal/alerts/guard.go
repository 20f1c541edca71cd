package alerts

import (
	"sort"
	"sync"
	"time"
)

// Key identifies one alert evaluation slot.
type Key struct {
	AlertID string
	Window  string
}

func (k Key) String() string {
	return k.AlertID + "/" + k.Window
}

// Guard admits at most one in-flight evaluation per Key. A tick arriving
// while its key is busy is rejected and counted.
type Guard struct {
	mu       sync.Mutex
	inFlight map[Key]time.Time
	skipped  map[Key]int
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{
		inFlight: make(map[Key]time.Time),
		skipped:  make(map[Key]int),
	}
}

// TryAcquire claims k. On success the caller must call release exactly once.
func (g *Guard) TryAcquire(k Key) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inFlight[k]; busy {
		g.skipped[k]++
		return nil, false
	}
	g.inFlight[k] = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, k)
			g.mu.Unlock()
		})
	}, true
}

// Skipped returns how many ticks for k were rejected.
func (g *Guard) Skipped(k Key) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.skipped[k]
}

// InFlight returns the busy keys, sorted.
func (g *Guard) InFlight() []Key {
	g.mu.Lock()
	out := make([]Key, 0, len(g.inFlight))
	for k := range g.inFlight {
		out = append(out, k)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
