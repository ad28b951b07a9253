package store

import (
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/signalfence/redisrate/core"
)

var (
	//go:embed gcra.lua
	gcraScript string

	//go:embed reset.lua
	resetScript string
)

// scriptArgs encodes req as ARGV for gcra.lua. serverClock leaves "now"
// empty so the script reads TIME.
func scriptArgs(req Request, serverClock bool) []string {
	now := ""
	if !serverClock {
		now = strconv.FormatInt(req.Now.UnixMicro(), 10)
	}
	return []string{
		strconv.FormatInt(req.Limit.EmissionInterval().Microseconds(), 10),
		strconv.FormatInt(req.Limit.DelayTolerance().Microseconds(), 10),
		strconv.FormatInt(req.Cost, 10),
		now,
	}
}

// decodeReply turns the five integers returned by gcra.lua into a Result.
func decodeReply(vals []int64, limit core.Limit) (Result, error) {
	if len(vals) != 5 {
		return Result{}, fmt.Errorf("gcra script: expected 5 values, got %d", len(vals))
	}
	return Result{
		Decision: core.Decision{
			Limited:    vals[0] == 1,
			Remaining:  vals[1],
			RetryAfter: time.Duration(vals[2]) * time.Microsecond,
			ResetAfter: time.Duration(vals[3]) * time.Microsecond,
			Limit:      limit,
		},
		Version: vals[4],
	}, nil
}
