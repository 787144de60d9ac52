package host

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/CZERTAINLY/ffbridge/internal/events"
	"github.com/CZERTAINLY/ffbridge/internal/model"
)

// Event names of the host subscription stream.
const (
	EventLog        = "FFmpegKitLogCallbackEvent"
	EventStatistics = "FFmpegKitStatisticsCallbackEvent"
	EventExecute    = "FFmpegKitExecuteCallbackEvent"
)

// Request is a method call sent by the host. ID correlates the response.
type Request struct {
	ID     uint64 `json:"id" cbor:"id"`
	Method string `json:"method" cbor:"method"`
	Args   Args   `json:"args" cbor:"args"`
}

// Args holds every argument a method may take. Absent arguments are nil.
type Args struct {
	SessionID          *int64   `json:"sessionId,omitempty" cbor:"sessionId,omitempty"`
	WaitTimeout        *int     `json:"waitTimeout,omitempty" cbor:"waitTimeout,omitempty"`
	Arguments          []string `json:"arguments,omitempty" cbor:"arguments,omitempty"`
	FFprobeJSONOutput  *string  `json:"ffprobeJsonOutput,omitempty" cbor:"ffprobeJsonOutput,omitempty"`
	Level              *int     `json:"level,omitempty" cbor:"level,omitempty"`
	SessionHistorySize *int     `json:"sessionHistorySize,omitempty" cbor:"sessionHistorySize,omitempty"`
	State              *int     `json:"state,omitempty" cbor:"state,omitempty"`
	Signal             *int     `json:"signal,omitempty" cbor:"signal,omitempty"`
	VariableName       *string  `json:"variableName,omitempty" cbor:"variableName,omitempty"`
	VariableValue      *string  `json:"variableValue,omitempty" cbor:"variableValue,omitempty"`
	FFmpegPipePath     *string  `json:"ffmpegPipePath,omitempty" cbor:"ffmpegPipePath,omitempty"`
	Input              *string  `json:"input,omitempty" cbor:"input,omitempty"`
	Pipe               *string  `json:"pipe,omitempty" cbor:"pipe,omitempty"`
	Writable           *bool    `json:"writable,omitempty" cbor:"writable,omitempty"`
	URI                *string  `json:"uri,omitempty" cbor:"uri,omitempty"`
}

// waitTimeout converts the milliseconds sent by the host, negative when
// absent or invalid so the configured default applies.
func (a Args) waitTimeout() time.Duration {
	if a.WaitTimeout == nil || *a.WaitTimeout < 0 {
		return -1
	}
	return time.Duration(*a.WaitTimeout) * time.Millisecond
}

// Frame is written to the host. A response carries the request ID and
// either Result or Error, an event carries Event only.
type Frame struct {
	ID     uint64         `json:"id,omitempty" cbor:"id,omitempty"`
	Result any            `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *Failure       `json:"error,omitempty" cbor:"error,omitempty"`
	Event  map[string]any `json:"event,omitempty" cbor:"event,omitempty"`
}

type Failure struct {
	Code    model.Code `json:"code" cbor:"code"`
	Message string     `json:"message" cbor:"message"`
}

func failure(err error) *Failure {
	return &Failure{Code: model.CodeOf(err), Message: err.Error()}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func sessionMap(s *model.Session) map[string]any {
	if s == nil {
		return nil
	}
	return snapshotMap(s.Snapshot())
}

func snapshotMap(s model.Snapshot) map[string]any {
	m := map[string]any{
		"sessionId":  s.ID,
		"createTime": millis(s.CreateTime),
		"startTime":  millis(s.StartTime),
		"command":    strings.Join(s.Arguments, " "),
		"type":       int(s.Kind),
	}
	if s.Kind == model.KindMediaInformation && s.MediaInformation != nil {
		m["mediaInformation"] = plain(s.MediaInformation.Properties)
	}
	return m
}

func sessionList(sessions []*model.Session) []map[string]any {
	ret := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		ret = append(ret, sessionMap(s))
	}
	return ret
}

func logMap(l model.Log) map[string]any {
	return map[string]any{
		"sessionId": l.SessionID,
		"level":     int(l.Level),
		"message":   l.Message,
	}
}

func logList(logs []model.Log) []map[string]any {
	ret := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		ret = append(ret, logMap(l))
	}
	return ret
}

func statisticsMap(st model.Statistics) map[string]any {
	return map[string]any{
		"sessionId":        st.SessionID,
		"videoFrameNumber": st.VideoFrameNumber,
		"videoFps":         st.VideoFps,
		"videoQuality":     st.VideoQuality,
		"size":             st.Size,
		"time":             st.Time,
		"bitrate":          st.Bitrate,
		"speed":            st.Speed,
	}
}

func statisticsList(stats []model.Statistics) []map[string]any {
	ret := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		ret = append(ret, statisticsMap(st))
	}
	return ret
}

// eventMap builds the event frame body, keyed by the event name.
func eventMap(e events.Event) (map[string]any, bool) {
	switch e.Kind {
	case events.KindLog:
		if e.Log == nil {
			return nil, false
		}
		return map[string]any{EventLog: logMap(*e.Log)}, true
	case events.KindStatistics:
		if e.Statistics == nil {
			return nil, false
		}
		return map[string]any{EventStatistics: statisticsMap(*e.Statistics)}, true
	case events.KindComplete:
		if e.Session == nil {
			return nil, false
		}
		return map[string]any{EventExecute: snapshotMap(*e.Session)}, true
	default:
		return nil, false
	}
}

// plain replaces json.Number leaves with int64 or float64 so every codec
// writes numbers as numbers.
func plain(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = plain(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = plain(e)
		}
		return l
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
