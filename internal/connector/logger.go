package connector

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubsystemSync is the log subsystem of the sync cycle.
const SubsystemSync = "sync"

// WithLogging registers the sync subsystem on ctx. LDAPSYNC_LOG_SYNC
// overrides its level.
func WithLogging(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, SubsystemSync, tflog.WithLevelFromEnv("LDAPSYNC_LOG_SYNC"))
	return tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, SubsystemSync, "password", "secret")
}
