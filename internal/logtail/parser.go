// Package logtail follows the game server's console.log and feeds the
// performance lines it finds into the metrics store.
package logtail

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/reforgermon/reforgermon/internal/metrics"
)

// The server prints a performance line roughly once a minute:
//
//	FPS: 60.1, frame time (avg: 16.6 ms, min: 15.0 ms, max: 19.2 ms), Mem: 4896197 kB, Player: 1, AI: 1156, AIChar: 849, Veh: 0 (5)
var rePerformance = regexp.MustCompile(
	`(?i)FPS:\s*(?P<fps>\d+(?:\.\d+)?),\s*frame time\s*\(avg:\s*(?P<avg>\d+(?:\.\d+)?)\s*ms,\s*min:\s*(?P<min>\d+(?:\.\d+)?)\s*ms,\s*max:\s*(?P<max>\d+(?:\.\d+)?)\s*ms\).*?Player:\s*(?P<players>\d+)` +
		`(?:,\s*AI:\s*(?P<ai>\d+))?(?:,\s*AIChar:\s*(?P<aichar>\d+))?(?:,\s*Veh:\s*(?P<veh>\d+))?`)

var (
	idxFPS     = rePerformance.SubexpIndex("fps")
	idxAvg     = rePerformance.SubexpIndex("avg")
	idxMin     = rePerformance.SubexpIndex("min")
	idxMax     = rePerformance.SubexpIndex("max")
	idxPlayers = rePerformance.SubexpIndex("players")
	idxAI      = rePerformance.SubexpIndex("ai")
	idxAIChar  = rePerformance.SubexpIndex("aichar")
	idxVeh     = rePerformance.SubexpIndex("veh")
)

// ParseLine extracts a metrics sample from a console line. It reports false
// for lines that are not performance lines.
func ParseLine(line string) (metrics.Sample, bool) {
	line = cleanLine(line)
	m := rePerformance.FindStringSubmatch(line)
	if m == nil {
		return metrics.Sample{}, false
	}

	s := metrics.Sample{
		FPS:          parseFloat(m[idxFPS]),
		FrameTimeAvg: parseFloat(m[idxAvg]),
		FrameTimeMin: parseFloat(m[idxMin]),
		FrameTimeMax: parseFloat(m[idxMax]),
		Players:      parseInt(m[idxPlayers]),
		AI:           optionalInt(m[idxAI]),
		AIChar:       optionalInt(m[idxAIChar]),
		Vehicles:     optionalInt(m[idxVeh]),
		Line:         line,
	}
	return s, true
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func optionalInt(s string) *int {
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// cleanLine strips a byte order mark and surrounding whitespace.
func cleanLine(line string) string {
	line = strings.TrimPrefix(line, "\xef\xbb\xbf")
	return strings.TrimSpace(line)
}
