// Package heartbeat detects agents that stopped mid-task.
//
// An agent holding a task keeps a marker under the mailbox's
// shared/heartbeat directory and removes it when the task ends. A marker
// older than the monitor's timeout therefore means the agent died or hung
// while it still owned work. Monitors report each stale marker once;
// callbacks typically reclaim the dead agent's inbox:
//
//	mon, _ := heartbeat.NewMonitor(mb, heartbeat.Config{Timeout: time.Minute})
//	mon.OnDead(func(hb *mailbox.Heartbeat) {
//	    mb.Reclaim(hb.AgentID)
//	})
//	go mon.Run(ctx)
//
// Idle agents hold no marker, so they are neither alive nor dead here.
package heartbeat
