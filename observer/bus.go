package observer

import (
	"context"

	"github.com/nevindra/troupe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusObserver consumes engine events and records task, turn, tool, and
// memory metrics from them. It holds its own bus subscription so it never
// slows the orchestrator; if it falls behind, drops land in the
// bus.events.dropped counter.
type BusObserver struct {
	sub     *troupe.Subscription
	inst    *Instruments
	done    chan struct{}
	started map[string]int64 // task ID -> turn_started unix-ms
	drops   uint64
}

// ObserveBus subscribes to every event on the bus and records metrics
// until the bus closes or Stop is called.
func ObserveBus(bus *troupe.Bus, inst *Instruments) *BusObserver {
	o := &BusObserver{
		sub:     bus.Subscribe("*"),
		inst:    inst,
		done:    make(chan struct{}),
		started: make(map[string]int64),
	}
	go o.run()
	return o
}

// Stop detaches from the bus and waits for the consumer to exit.
func (o *BusObserver) Stop() {
	o.sub.Close()
	<-o.done
}

func (o *BusObserver) run() {
	defer close(o.done)
	ctx := context.Background()
	for ev := range o.sub.Events() {
		o.record(ctx, ev)
		if d := o.sub.Dropped(); d > o.drops {
			o.inst.EventsDropped.Add(ctx, int64(d-o.drops))
			o.drops = d
		}
	}
}

func (o *BusObserver) record(ctx context.Context, ev troupe.Event) {
	switch ev.Type {
	case troupe.EventTaskStarted, troupe.EventTaskResumed:
		o.inst.TaskStarts.Add(ctx, 1, metric.WithAttributes(
			AttrEventType.String(string(ev.Type)),
		))

	case troupe.EventTaskCompleted, troupe.EventTaskFailed, troupe.EventTaskStopped:
		status := "completed"
		switch ev.Type {
		case troupe.EventTaskFailed:
			status = "failed"
		case troupe.EventTaskStopped:
			status = "stopped"
		}
		o.inst.TaskFinishes.Add(ctx, 1, metric.WithAttributes(
			AttrTaskStatus.String(status),
		))
		delete(o.started, ev.TaskID)

	case troupe.EventTurnStarted:
		o.started[ev.TaskID] = ev.Timestamp

	case troupe.EventTurnFinished:
		if begin, ok := o.started[ev.TaskID]; ok {
			o.inst.TurnDuration.Record(ctx, float64(ev.Timestamp-begin), metric.WithAttributes(
				AttrAgentName.String(ev.Agent),
			))
			delete(o.started, ev.TaskID)
		}

	case troupe.EventToolSucceeded, troupe.EventToolFailed:
		status := "ok"
		if ev.Type == troupe.EventToolFailed {
			status = "error"
		}
		name, _ := ev.Payload["tool"].(string)
		o.inst.ToolRuns.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			AttrToolStatus.String(status),
		))
		if ms, ok := ev.Payload["duration_ms"].(int64); ok {
			o.inst.ToolDuration.Record(ctx, float64(ms), metric.WithAttributes(
				AttrToolName.String(name),
			))
		}

	case troupe.EventMemoryAdded:
		kind, _ := ev.Payload["kind"].(string)
		o.inst.MemoryAdds.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
		))
	}
}
