package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// parseLevel extracts the [level] tag ffmpeg prints with -loglevel level+N.
// Context prefixes such as [h264 @ 0x5581] are kept in the message.
func parseLevel(line string) (model.Level, string) {
	rest := line
	var prefix strings.Builder
	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			break
		}
		if lvl, ok := model.LevelFromName(rest[1:end]); ok {
			msg := prefix.String() + strings.TrimPrefix(rest[end+1:], " ")
			return lvl, msg
		}
		next := end + 1
		if next < len(rest) && rest[next] == ' ' {
			next++
		}
		prefix.WriteString(rest[:next])
		rest = rest[next:]
	}
	return model.LevelInfo, line
}

var statsFieldRx = regexp.MustCompile(`(\w+)=\s*(\S+)`)

// isStatistics reports whether line is an ffmpeg progress report.
func isStatistics(line string) bool {
	return strings.HasPrefix(line, "frame=") ||
		(strings.HasPrefix(line, "size=") && strings.Contains(line, "time="))
}

// parseStatistics parses a progress line like
// frame=  240 fps= 60 q=28.0 size=    1024KiB time=00:00:08.00 bitrate=1048.6kbits/s speed=2.0x
func parseStatistics(sessionID int64, line string) model.Statistics {
	st := model.Statistics{SessionID: sessionID}
	for _, m := range statsFieldRx.FindAllStringSubmatch(line, -1) {
		key, value := m[1], m[2]
		if value == "N/A" {
			continue
		}
		switch key {
		case "frame":
			st.VideoFrameNumber, _ = strconv.Atoi(value)
		case "fps":
			st.VideoFps, _ = strconv.ParseFloat(value, 64)
		case "q":
			st.VideoQuality, _ = strconv.ParseFloat(value, 64)
		case "size", "Lsize":
			st.Size = parseSize(value)
		case "time":
			st.Time = parseClock(value)
		case "bitrate":
			st.Bitrate, _ = strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64)
		case "speed":
			st.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		}
	}
	return st
}

func parseSize(v string) int64 {
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KiB", 1024}, {"kB", 1024}, {"MiB", 1024 * 1024}, {"MB", 1024 * 1024}, {"B", 1},
	} {
		if strings.HasSuffix(v, unit.suffix) {
			v = strings.TrimSuffix(v, unit.suffix)
			mult = unit.mult
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n * mult
}

// parseClock converts [-]HH:MM:SS.ss into milliseconds.
func parseClock(v string) float64 {
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimPrefix(v, "-")
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.ParseFloat(parts[0], 64)
	m, err2 := strconv.ParseFloat(parts[1], 64)
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	ms := (h*3600 + m*60 + s) * 1000
	if neg {
		return -ms
	}
	return ms
}
