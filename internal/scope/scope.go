// Package scope implements the "doing X… done/failed" logged-action wrapper
// that underlies both the webhook ingress path and the reconciliation loop:
// a scoped action that logs its own success/failure and can optionally
// swallow the error so one failing handler never halts its caller.
package scope

import "ci-scaler/internal/logger"

// Options configures a single Run invocation.
type Options struct {
	// Doing is the present-progressive description logged on entry, e.g.
	// "terminating old idle instance i-0a1b2c3d in own/repo:lab". Empty
	// means no entry line is logged.
	Doing string

	// Swallow, if true, causes Run to return nil even when fn fails; the
	// error is still logged. Reconciler handlers always set this so a
	// single failing handler cannot halt the poll loop.
	Swallow bool

	// Failure overrides the log message prefix used when fn fails. Defaults
	// to "failed".
	Failure string
}

// Run executes fn under the given options, logging entry/exit and
// optionally swallowing its error.
func Run(opts Options, fn func() error) error {
	log := logger.Log
	if opts.Doing != "" {
		log.Info("doing", "action", opts.Doing)
	}

	err := fn()
	if err != nil {
		failure := opts.Failure
		if failure == "" {
			failure = "failed"
		}
		log.Warn(failure, "action", opts.Doing, "error", err)
		if opts.Swallow {
			return nil
		}
		return err
	}

	if opts.Doing != "" {
		log.Info("done", "action", opts.Doing)
	}
	return nil
}

// Swallow runs fn via Run with Swallow set, logging doing/done or the
// default "failed" warning, and discards the error — the idiom used throughout the reconciler's per-handler
// fan-out (spec §4.7) so that one handler's error never stops the tick.
func Swallow(doing string, fn func() error) {
	_ = Run(Options{Doing: doing, Swallow: true}, fn)
}
