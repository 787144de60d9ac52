package model

import (
	"fmt"
	"strings"
)

// Level is an ffmpeg log level.
type Level int

const (
	LevelStderr  Level = -16
	LevelQuiet   Level = -8
	LevelPanic   Level = 0
	LevelFatal   Level = 8
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelVerbose Level = 40
	LevelDebug   Level = 48
	LevelTrace   Level = 56
)

var levelNames = map[Level]string{
	LevelStderr:  "stderr",
	LevelQuiet:   "quiet",
	LevelPanic:   "panic",
	LevelFatal:   "fatal",
	LevelError:   "error",
	LevelWarning: "warning",
	LevelInfo:    "info",
	LevelVerbose: "verbose",
	LevelDebug:   "debug",
	LevelTrace:   "trace",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel validates a numeric level received from the host.
func ParseLevel(v int) (Level, error) {
	l := Level(v)
	if _, ok := levelNames[l]; !ok {
		return 0, Errorf(ErrInvalidLevel, "%d", v)
	}
	return l, nil
}

// LevelFromName maps the level tag ffmpeg prints with -loglevel level.
func LevelFromName(name string) (Level, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for l, s := range levelNames {
		if s == name {
			return l, true
		}
	}
	return 0, false
}

// Log is a single line captured from a running session.
type Log struct {
	SessionID int64
	Level     Level
	Message   string
}

// Statistics is a single progress report of an ffmpeg session.
type Statistics struct {
	SessionID        int64
	VideoFrameNumber int
	VideoFps         float64
	VideoQuality     float64
	Size             int64   // bytes
	Time             float64 // milliseconds
	Bitrate          float64 // kbits/s
	Speed            float64
}
