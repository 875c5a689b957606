package serving

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/YuminosukeSato/scitrack/pkg/log"
)

// Target names what a Handle resolves.
type Target struct {
	ModelName      string
	Experiment     string
	FallbackMetric string
}

// reloadTimeout bounds one resolution started by Reload.
const reloadTimeout = 30 * time.Second

// Handle holds the artifact currently being served. Readers always see a
// complete Resolved or nil; Reload swaps it atomically.
type Handle struct {
	resolver ArtifactResolver
	target   Target
	logger   log.Logger
	current  atomic.Pointer[Resolved]
	group    singleflight.Group
}

// NewHandle creates an empty handle. Call Reload to load the first artifact.
func NewHandle(resolver ArtifactResolver, target Target, logger log.Logger) *Handle {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Handle{
		resolver: resolver,
		target:   target,
		logger:   logger.With(log.ComponentKey, "serving"),
	}
}

// Target returns what the handle resolves.
func (h *Handle) Target() Target { return h.target }

// Current returns the served artifact or nil.
func (h *Handle) Current() *Resolved { return h.current.Load() }

// Reload re-resolves the target and swaps the served artifact. Concurrent
// calls share one resolution. On failure the previous artifact, if any,
// stays in place and is returned together with the error.
func (h *Handle) Reload(ctx context.Context) (*Resolved, error) {
	v, err, shared := h.group.Do("reload", func() (any, error) {
		// 最初の呼び出し元のキャンセルを他の待機者に波及させない
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
		defer cancel()

		res, err := h.resolver.Resolve(rctx, h.target.ModelName, h.target.Experiment, h.target.FallbackMetric)
		if err != nil {
			return nil, err
		}
		prev := h.current.Swap(res)
		if prev == nil || prev.RunID != res.RunID || prev.Version != res.Version {
			h.logger.Info("serving artifact swapped",
				log.SourceKey, string(res.Source),
				log.RunIDKey, res.RunID,
				log.VersionKey, res.Version,
			)
		}
		return res, nil
	})
	if err != nil {
		kept := h.Current()
		h.logger.Warn("reload failed", log.ErrAttrKey, err, "kept_previous", kept != nil, "shared", shared)
		return kept, err
	}
	return v.(*Resolved), nil
}
