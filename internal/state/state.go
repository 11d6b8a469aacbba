// Package state holds the process-wide printer state snapshot of spec
// §3: position, feed rate, layer, fan, temperatures (target and cached
// actual), last command and an endstop dump cache.
package state

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxAge is the freshness bound for cached actual temperatures.
const DefaultMaxAge = 3000 * time.Millisecond

// Reading pairs a value with the instant it was observed.
type Reading struct {
	Value     float64
	Timestamp time.Time
}

// Snapshot is a point-in-time copy of the tracker's fields, safe to hand
// out to callers (e.g. the check processor).
type Snapshot struct {
	EPosition     float64
	XPosition     float64
	YPosition     float64
	ZPosition     float64
	FeedRate      float64
	Layer         int32
	LayerHeight   float64
	FanSpeed      int32
	HotendTarget  float64
	BedTarget     float64
	HotendActual  Reading
	BedActual     Reading
	LastCommand   string
	CommandCount  uint64
	EndstopDump   string
	EndstopStamp  time.Time
}

// Tracker is the process-wide singleton described above: simple
// fields are atomic, composite temperature+timestamp updates take a small
// dedicated mutex.
type Tracker struct {
	maxAge time.Duration

	ePosition   atomic.Uint64 // math.Float64bits
	xPosition   atomic.Uint64
	yPosition   atomic.Uint64
	zPosition   atomic.Uint64
	feedRate    atomic.Uint64
	layer       atomic.Int32
	layerHeight atomic.Uint64
	fanSpeed    atomic.Int32
	hotendTgt   atomic.Uint64
	bedTgt      atomic.Uint64

	tempMu       sync.Mutex
	hotendActual Reading
	bedActual    Reading

	cmdMu       sync.Mutex
	lastCommand string
	cmdCount    atomic.Uint64

	endstopMu    sync.Mutex
	endstopDump  string
	endstopStamp time.Time
}

// New creates a Tracker with the given actual-temperature freshness bound.
// A zero maxAge defaults to DefaultMaxAge.
func New(maxAge time.Duration) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Tracker{maxAge: maxAge}
}

func loadF64(a *atomic.Uint64) float64     { return math.Float64frombits(a.Load()) }
func storeF64(a *atomic.Uint64, v float64) { a.Store(math.Float64bits(v)) }

func (t *Tracker) SetPosition(x, y, z, e float64) {
	storeF64(&t.xPosition, x)
	storeF64(&t.yPosition, y)
	storeF64(&t.zPosition, z)
	storeF64(&t.ePosition, e)
}

func (t *Tracker) Position() (x, y, z, e float64) {
	return loadF64(&t.xPosition), loadF64(&t.yPosition), loadF64(&t.zPosition), loadF64(&t.ePosition)
}

func (t *Tracker) SetFeedRate(v float64)  { storeF64(&t.feedRate, v) }
func (t *Tracker) FeedRate() float64      { return loadF64(&t.feedRate) }

func (t *Tracker) SetLayer(layer int32, height float64) {
	t.layer.Store(layer)
	storeF64(&t.layerHeight, height)
}
func (t *Tracker) Layer() (int32, float64) {
	return t.layer.Load(), loadF64(&t.layerHeight)
}

func (t *Tracker) SetFanSpeed(v int32)  { t.fanSpeed.Store(v) }
func (t *Tracker) FanSpeed() int32      { return t.fanSpeed.Load() }

func (t *Tracker) SetHotendTarget(v float64) { storeF64(&t.hotendTgt, v) }
func (t *Tracker) HotendTarget() float64     { return loadF64(&t.hotendTgt) }

func (t *Tracker) SetBedTarget(v float64) { storeF64(&t.bedTgt, v) }
func (t *Tracker) BedTarget() float64     { return loadF64(&t.bedTgt) }

// SetHotendActual caches an actual hotend reading with the timestamp now.
func (t *Tracker) SetHotendActual(v float64, now time.Time) {
	t.tempMu.Lock()
	t.hotendActual = Reading{Value: v, Timestamp: now}
	t.tempMu.Unlock()
}

// HotendActual returns the cached reading and whether it is still fresh.
func (t *Tracker) HotendActual(now time.Time) (Reading, bool) {
	t.tempMu.Lock()
	defer t.tempMu.Unlock()
	return t.hotendActual, now.Sub(t.hotendActual.Timestamp) <= t.maxAge
}

func (t *Tracker) SetBedActual(v float64, now time.Time) {
	t.tempMu.Lock()
	t.bedActual = Reading{Value: v, Timestamp: now}
	t.tempMu.Unlock()
}

func (t *Tracker) BedActual(now time.Time) (Reading, bool) {
	t.tempMu.Lock()
	defer t.tempMu.Unlock()
	return t.bedActual, now.Sub(t.bedActual.Timestamp) <= t.maxAge
}

// RecordCommand records the rendered text of the last command sent and
// bumps the running command count.
func (t *Tracker) RecordCommand(text string) {
	t.cmdMu.Lock()
	t.lastCommand = text
	t.cmdMu.Unlock()
	t.cmdCount.Add(1)
}

func (t *Tracker) LastCommand() string {
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()
	return t.lastCommand
}

func (t *Tracker) CommandCount() uint64 { return t.cmdCount.Load() }

// SetEndstopDump caches the raw endstop response body.
func (t *Tracker) SetEndstopDump(dump string, now time.Time) {
	t.endstopMu.Lock()
	t.endstopDump = dump
	t.endstopStamp = now
	t.endstopMu.Unlock()
}

func (t *Tracker) EndstopDump() (string, time.Time) {
	t.endstopMu.Lock()
	defer t.endstopMu.Unlock()
	return t.endstopDump, t.endstopStamp
}

// Snapshot returns a consistent-enough point-in-time copy of all fields.
// Individual fields may be read a few nanoseconds apart from each other;
// only per-field atomicity is guaranteed, not atomicity across the whole
// struct.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	x, y, z, e := t.Position()
	layer, height := t.Layer()
	hotendActual, _ := t.HotendActual(now)
	bedActual, _ := t.BedActual(now)
	dump, dumpAt := t.EndstopDump()
	return Snapshot{
		EPosition:    e,
		XPosition:    x,
		YPosition:    y,
		ZPosition:    z,
		FeedRate:     t.FeedRate(),
		Layer:        layer,
		LayerHeight:  height,
		FanSpeed:     t.FanSpeed(),
		HotendTarget: t.HotendTarget(),
		BedTarget:    t.BedTarget(),
		HotendActual: hotendActual,
		BedActual:    bedActual,
		LastCommand:  t.LastCommand(),
		CommandCount: t.CommandCount(),
		EndstopDump:  dump,
		EndstopStamp: dumpAt,
	}
}
