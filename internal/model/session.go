package model

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind tags the operation a session runs.
type Kind int

const (
	KindFFmpeg           Kind = 1
	KindFFprobe          Kind = 2
	KindMediaInformation Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFFmpeg:
		return "ffmpeg"
	case KindFFprobe:
		return "ffprobe"
	case KindMediaInformation:
		return "media_information"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MismatchError returns the error reported when a session of another kind
// is used where k is expected.
func (k Kind) MismatchError() *Error {
	switch k {
	case KindFFmpeg:
		return ErrNotFFmpegSession
	case KindFFprobe:
		return ErrNotFFprobeSession
	case KindMediaInformation:
		return ErrNotMediaInformationSession
	default:
		return ErrInvalidSession
	}
}

// State of a session. Values are shared with the host.
type State int

const (
	StateCreated   State = 0
	StateRunning   State = 1
	StateFailed    State = 2
	StateCompleted State = 3
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateCompleted
}

// ParseState validates a state ordinal received from the host.
func ParseState(v int) (State, error) {
	s := State(v)
	switch s {
	case StateCreated, StateRunning, StateFailed, StateCompleted:
		return s, nil
	default:
		return 0, Errorf(ErrInvalidSessionState, "%d", v)
	}
}

const (
	ReturnCodeSuccess = 0
	ReturnCodeCancel  = 255
)

// Session is a single invocation of ffmpeg or ffprobe. Identity fields are
// immutable, the rest is written only by the engine run that owns it.
type Session struct {
	id         int64
	kind       Kind
	args       []string
	createTime time.Time

	mx             sync.RWMutex
	state          State
	startTime      time.Time
	endTime        time.Time
	returnCode     *int
	failStackTrace string
	logs           []Log
	statistics     []Statistics
	mediaInfo      *MediaInformation
}

func NewSession(id int64, kind Kind, args []string, created time.Time) *Session {
	return &Session{
		id:         id,
		kind:       kind,
		args:       append([]string(nil), args...),
		createTime: created,
		state:      StateCreated,
	}
}

func (s *Session) ID() int64             { return s.id }
func (s *Session) Kind() Kind            { return s.kind }
func (s *Session) CreateTime() time.Time { return s.createTime }

func (s *Session) Arguments() []string {
	return append([]string(nil), s.args...)
}

// Command is the argument vector joined by spaces.
func (s *Session) Command() string {
	return strings.Join(s.args, " ")
}

func (s *Session) State() State {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.state
}

func (s *Session) StartTime() time.Time {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.startTime
}

func (s *Session) EndTime() time.Time {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.endTime
}

// Duration is zero until the session is terminal.
func (s *Session) Duration() time.Duration {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.endTime.IsZero() || s.startTime.IsZero() {
		return 0
	}
	return s.endTime.Sub(s.startTime)
}

func (s *Session) ReturnCode() (int, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.returnCode == nil {
		return 0, false
	}
	return *s.returnCode, true
}

func (s *Session) FailStackTrace() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.failStackTrace
}

func (s *Session) Logs() []Log {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return append([]Log(nil), s.logs...)
}

// LogsAsString concatenates all captured messages.
func (s *Session) LogsAsString() string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	var sb strings.Builder
	for _, l := range s.logs {
		sb.WriteString(l.Message)
	}
	return sb.String()
}

func (s *Session) Statistics() []Statistics {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return append([]Statistics(nil), s.statistics...)
}

func (s *Session) MediaInformation() *MediaInformation {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.mediaInfo
}

// Start moves a created session to running.
func (s *Session) Start(now time.Time) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateRunning)
	}
	s.state = StateRunning
	s.startTime = now
	return nil
}

// Complete moves a running session to completed with the given return code.
func (s *Session) Complete(now time.Time, returnCode int) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateCompleted)
	}
	s.state = StateCompleted
	s.endTime = now
	s.returnCode = &returnCode
	return nil
}

// Fail moves a running session to failed and records the failure detail.
func (s *Session) Fail(now time.Time, detail string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateFailed)
	}
	s.state = StateFailed
	s.endTime = now
	s.failStackTrace = detail
	return nil
}

func (s *Session) AddLog(l Log) {
	s.mx.Lock()
	s.logs = append(s.logs, l)
	s.mx.Unlock()
}

func (s *Session) AddStatistics(st Statistics) error {
	if s.kind != KindFFmpeg {
		return ErrNoStatistics
	}
	s.mx.Lock()
	s.statistics = append(s.statistics, st)
	s.mx.Unlock()
	return nil
}

func (s *Session) SetMediaInformation(info *MediaInformation) error {
	if s.kind != KindMediaInformation {
		return ErrNotMediaInformationSession
	}
	s.mx.Lock()
	s.mediaInfo = info
	s.mx.Unlock()
	return nil
}

// Snapshot is a consistent copy of a session used for serialization.
type Snapshot struct {
	ID               int64
	Kind             Kind
	Arguments        []string
	CreateTime       time.Time
	StartTime        time.Time
	EndTime          time.Time
	State            State
	ReturnCode       *int
	FailStackTrace   string
	MediaInformation *MediaInformation
}

func (s *Session) Snapshot() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()
	snap := Snapshot{
		ID:               s.id,
		Kind:             s.kind,
		Arguments:        append([]string(nil), s.args...),
		CreateTime:       s.createTime,
		StartTime:        s.startTime,
		EndTime:          s.endTime,
		State:            s.state,
		FailStackTrace:   s.failStackTrace,
		MediaInformation: s.mediaInfo,
	}
	if s.returnCode != nil {
		rc := *s.returnCode
		snap.ReturnCode = &rc
	}
	return snap
}
