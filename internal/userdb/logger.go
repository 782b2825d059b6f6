package userdb

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubsystemUserDB is the log subsystem of the user store.
const SubsystemUserDB = "userdb"

// WithLogging registers the userdb subsystem on ctx. LDAPSYNC_LOG_USERDB
// overrides its level.
func WithLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, SubsystemUserDB, tflog.WithLevelFromEnv("LDAPSYNC_LOG_USERDB"))
}
