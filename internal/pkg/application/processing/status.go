package processing

import (
	"time"

	"github.com/diwise/camera-threat-monitor/pkg/types"
)

// applyLocked sets the camera's status from a device level observation. Every
// call publishes an event, also when the status is unchanged. A non-NORMAL
// level (re)arms the revert timer, NORMAL disarms it.
func (o *Orchestrator) applyLocked(c *camera, level types.Status, now time.Time) {
	o.cancelTimerLocked(c)

	c.status = level
	c.updatedAt = now

	if level != types.StatusNormal {
		c.lastThreat = now

		generation := c.generation
		c.timer = time.AfterFunc(o.cfg.Hold, func() {
			o.revert(c, generation)
		})
	}

	o.publishLocked(c, now)
}

func (o *Orchestrator) revert(c *camera, generation uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cameras[c.id] != c || c.generation != generation {
		return
	}

	c.timer = nil
	c.generation++

	now := time.Now().UTC()
	c.status = types.StatusNormal
	c.updatedAt = now

	o.log.Debug().Str("camera", c.id).Msg("hold expired, reverting to normal")

	o.publishLocked(c, now)
}

// cancelTimerLocked stops any pending revert. Bumping the generation makes a
// timer that already fired, but has not yet taken the lock, a no-op.
func (o *Orchestrator) cancelTimerLocked(c *camera) {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (o *Orchestrator) publishLocked(c *camera, now time.Time) {
	o.stats.events.Add(1)
	o.bus.publish(types.StatusEvent{
		CameraID:  c.id,
		Status:    c.status,
		Timestamp: now,
	}, c.onUpdate)
}
