package allowlist

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
)

// Snapshot is one loaded allow-list. It is never modified after Load returns.
type Snapshot struct {
	Validator *remote.Validator
	Fetcher   *remote.Fetcher
	Config    remote.Config
	Version   string
	Source    string
	LoadedAt  time.Time
}
