// Package sim provides a synthetic protocol driver. It produces plausible
// waveforms keyed off tag names so a full agent can run against no hardware;
// everything downstream of the driver boundary is identical to production.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/intellimaint/edge/collector"
	"github.com/intellimaint/edge/model"
)

// Driver implements collector.Driver for the "sim" protocol.
type Driver struct {
	clk clock.Clock
}

// New builds a simulation driver.
func New(clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.New()
	}
	return &Driver{clk: clk}
}

func (d *Driver) Protocol() string { return "sim" }

func (d *Driver) Dial(_ context.Context, ep *model.EndpointDescriptor) (collector.Conn, error) {
	h := fnv.New64a()
	h.Write([]byte(ep.EndpointID))
	return &conn{
		clk:      d.clk,
		t0:       d.clk.Now(),
		rng:      rand.New(rand.NewSource(int64(h.Sum64()))),
		counters: map[string]int64{},
		toggles:  map[string]bool{},
	}, nil
}

type conn struct {
	clk      clock.Clock
	t0       time.Time
	rng      *rand.Rand
	counters map[string]int64
	toggles  map[string]bool
}

func (c *conn) ReadBatch(_ context.Context, tags []model.TagDescriptor) ([]collector.RawValue, error) {
	out := make([]collector.RawValue, len(tags))
	elapsed := c.clk.Since(c.t0).Seconds()
	for i, tg := range tags {
		f := c.waveform(tg.TagID, elapsed)
		out[i] = collector.RawValue{
			Value:   coerce(declaredOrFloat(tg.DeclaredType), f, c.clk.Now()),
			Quality: model.QualityGood,
		}
	}
	return out, nil
}

func (c *conn) Close(context.Context) error { return nil }

// waveform picks a signal shape from the tag name: toggles flip, counters
// count, ramps saw-tooth, "rand" tags jitter, everything else is a sine with
// a per-tag phase.
func (c *conn) waveform(tagID string, elapsed float64) float64 {
	name := strings.ToLower(tagID)
	switch {
	case hasAny(name, "toggle", "state", "running", "bool"):
		c.toggles[tagID] = !c.toggles[tagID]
		if c.toggles[tagID] {
			return 1
		}
		return 0
	case hasAny(name, "count", "total"):
		c.counters[tagID]++
		return float64(c.counters[tagID])
	case hasAny(name, "ramp", "level"):
		return math.Mod(elapsed*2, 100)
	case hasAny(name, "rand", "noise"):
		return 50 + c.rng.Float64()*20 - 10
	default:
		return 50 + 10*math.Sin(2*math.Pi*(elapsed/60)+phase(tagID)) + c.rng.Float64()
	}
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func phase(tagID string) float64 {
	h := fnv.New32a()
	h.Write([]byte(tagID))
	return float64(h.Sum32()%628) / 100
}

func declaredOrFloat(declared string) string {
	if declared == "" {
		return "lreal"
	}
	return declared
}

// coerce shapes the waveform into the raw type the tag declares, so the type
// mapper sees exactly what a real device would produce.
func coerce(declared string, f float64, now time.Time) any {
	switch strings.ToLower(declared) {
	case "bool", "boolean":
		return f > 0.5
	case "sint", "sbyte":
		return int8(f)
	case "usint", "byte":
		return uint8(f)
	case "int", "int16":
		return int16(f)
	case "uint", "uint16":
		return uint16(f)
	case "dint", "int32":
		return int32(f)
	case "udint", "uint32":
		return uint32(f)
	case "lint", "int64":
		return int64(f)
	case "ulint", "uint64":
		return uint64(f)
	case "real", "float":
		return float32(f)
	case "lreal", "double":
		return f
	case "string":
		return fmt.Sprintf("%.2f", f)
	case "datetime":
		return now
	case "bytestring":
		return []byte{byte(int64(f))}
	default:
		return f
	}
}
