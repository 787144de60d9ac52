package model

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// MediaInformation is the parsed ffprobe json output. Properties keeps the
// full tree, the accessors read the commonly used keys.
type MediaInformation struct {
	Properties map[string]any
}

// StreamInformation describes one entry of the streams array.
type StreamInformation struct {
	Index      int
	Type       string
	Codec      string
	Width      int
	Height     int
	Properties map[string]any
}

// Chapter describes one entry of the chapters array.
type Chapter struct {
	ID         int
	Start      string
	End        string
	Properties map[string]any
}

// ParseMediaInformation parses the output of
// ffprobe -print_format json -show_format -show_streams -show_chapters.
func ParseMediaInformation(data []byte) (*MediaInformation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, Errorf(ErrParseFailed, "empty input")
	}
	var props map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, Errorf(ErrParseFailed, "%v", err)
	}
	if props == nil {
		return nil, Errorf(ErrParseFailed, "not a json object")
	}
	return &MediaInformation{Properties: props}, nil
}

func (m *MediaInformation) Format() map[string]any {
	f, _ := m.Properties["format"].(map[string]any)
	return f
}

func (m *MediaInformation) Filename() string   { return str(m.Format(), "filename") }
func (m *MediaInformation) FormatName() string { return str(m.Format(), "format_name") }
func (m *MediaInformation) LongFormat() string { return str(m.Format(), "format_long_name") }
func (m *MediaInformation) Duration() string   { return str(m.Format(), "duration") }
func (m *MediaInformation) StartTime() string  { return str(m.Format(), "start_time") }
func (m *MediaInformation) Size() string       { return str(m.Format(), "size") }
func (m *MediaInformation) Bitrate() string    { return str(m.Format(), "bit_rate") }

func (m *MediaInformation) Tags() map[string]any {
	t, _ := m.Format()["tags"].(map[string]any)
	return t
}

func (m *MediaInformation) Streams() []StreamInformation {
	raw, _ := m.Properties["streams"].([]any)
	out := make([]StreamInformation, 0, len(raw))
	for _, r := range raw {
		p, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, StreamInformation{
			Index:      integer(p, "index"),
			Type:       str(p, "codec_type"),
			Codec:      str(p, "codec_name"),
			Width:      integer(p, "width"),
			Height:     integer(p, "height"),
			Properties: p,
		})
	}
	return out
}

func (m *MediaInformation) Chapters() []Chapter {
	raw, _ := m.Properties["chapters"].([]any)
	out := make([]Chapter, 0, len(raw))
	for _, r := range raw {
		p, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Chapter{
			ID:         integer(p, "id"),
			Start:      str(p, "start_time"),
			End:        str(p, "end_time"),
			Properties: p,
		})
	}
	return out
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func integer(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(v)
		return i
	default:
		return 0
	}
}
