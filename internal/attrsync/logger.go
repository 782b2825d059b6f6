package attrsync

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubsystemAttrSync is the log subsystem of the plugin pipeline.
const SubsystemAttrSync = "attrsync"

// WithLogging registers the attrsync subsystem on ctx. LDAPSYNC_LOG_ATTRSYNC
// overrides its level.
func WithLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, SubsystemAttrSync, tflog.WithLevelFromEnv("LDAPSYNC_LOG_ATTRSYNC"))
}
