package scheduler

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/thejerf/suture/v4"
)

// SubsystemScheduler is the log subsystem of the scheduler.
const SubsystemScheduler = "scheduler"

// WithLogging registers the scheduler subsystem on ctx. LDAPSYNC_LOG_SCHEDULER
// overrides its level.
func WithLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, SubsystemScheduler, tflog.WithLevelFromEnv("LDAPSYNC_LOG_SCHEDULER"))
}

// eventHook forwards supervisor events to the scheduler log.
func eventHook(ctx context.Context) suture.EventHook {
	return func(e suture.Event) {
		fields := e.Map()
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			tflog.SubsystemError(ctx, SubsystemScheduler, e.String(), fields)
		case suture.EventTypeBackoff, suture.EventTypeServiceTerminate:
			tflog.SubsystemWarn(ctx, SubsystemScheduler, e.String(), fields)
		default:
			tflog.SubsystemInfo(ctx, SubsystemScheduler, e.String(), fields)
		}
	}
}
