package engine

import (
	"testing"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		line     string
		level    model.Level
		msg      string
	}{
		{"plain", "Input #0, mov,mp4", model.LevelInfo, "Input #0, mov,mp4"},
		{"tagged", "[warning] deprecated pixel format", model.LevelWarning, "deprecated pixel format"},
		{"context prefix", "[h264 @ 0x5581] [error] no frame!", model.LevelError, "[h264 @ 0x5581] no frame!"},
		{"nested prefix", "[out#0/mp4 @ 0x1] [mux @ 0x2] [verbose] ok", model.LevelVerbose, "[out#0/mp4 @ 0x1] [mux @ 0x2] ok"},
		{"unknown tag only", "[h264 @ 0x5581] hello", model.LevelInfo, "[h264 @ 0x5581] hello"},
		{"unterminated", "[info broken", model.LevelInfo, "[info broken"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			level, msg := parseLevel(tc.line)
			require.Equal(t, tc.level, level)
			require.Equal(t, tc.msg, msg)
		})
	}
}

func TestParseStatistics(t *testing.T) {
	t.Parallel()
	line := "frame=  240 fps= 60 q=28.0 size=    1024KiB time=00:00:08.00 bitrate=1048.6kbits/s speed=2.0x"
	require.True(t, isStatistics(line))
	st := parseStatistics(7, line)
	require.Equal(t, model.Statistics{
		SessionID:        7,
		VideoFrameNumber: 240,
		VideoFps:         60,
		VideoQuality:     28,
		Size:             1024 * 1024,
		Time:             8000,
		Bitrate:          1048.6,
		Speed:            2,
	}, st)

	audio := "size=     512kB time=00:01:05.50 bitrate=  64.0kbits/s speed=N/A"
	require.True(t, isStatistics(audio))
	st = parseStatistics(1, audio)
	require.Equal(t, int64(512*1024), st.Size)
	require.Equal(t, float64(65500), st.Time)
	require.Equal(t, 64.0, st.Bitrate)
	require.Zero(t, st.Speed)

	require.False(t, isStatistics("size of input unknown"))
	require.False(t, isStatistics("Stream mapping:"))
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	require.Equal(t, float64(3_723_500), parseClock("01:02:03.50"))
	require.Equal(t, float64(-1000), parseClock("-00:00:01.00"))
	require.Zero(t, parseClock("N/A"))
	require.Zero(t, parseClock("1:xx:00"))
}

func TestScanCRLF(t *testing.T) {
	t.Parallel()
	adv, tok, err := scanCRLF([]byte("a\rb"), false)
	require.NoError(t, err)
	require.Equal(t, 2, adv)
	require.Equal(t, "a", string(tok))

	adv, tok, _ = scanCRLF([]byte("a\r\nb"), false)
	require.Equal(t, 3, adv)
	require.Equal(t, "a", string(tok))

	adv, tok, _ = scanCRLF([]byte("a\r"), false)
	require.Zero(t, adv)
	require.Nil(t, tok)

	adv, tok, _ = scanCRLF([]byte("tail"), true)
	require.Equal(t, 4, adv)
	require.Equal(t, "tail", string(tok))
}
