package model_test

import (
	"testing"

	"github.com/CZERTAINLY/ffbridge/internal/model"
	"github.com/stretchr/testify/require"
)

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720},
    {"index": 1, "codec_name": "aac", "codec_type": "audio"}
  ],
  "chapters": [
    {"id": 0, "start_time": "0.000000", "end_time": "10.000000", "tags": {"title": "intro"}}
  ],
  "format": {
    "filename": "in.mp4",
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "format_long_name": "QuickTime / MOV",
    "duration": "10.000000",
    "size": "1048576",
    "bit_rate": "838860",
    "tags": {"encoder": "Lavf60.3.100"}
  }
}`

func TestParseMediaInformation(t *testing.T) {
	t.Parallel()
	info, err := model.ParseMediaInformation([]byte(probeJSON))
	require.NoError(t, err)
	require.Equal(t, "in.mp4", info.Filename())
	require.Equal(t, "QuickTime / MOV", info.LongFormat())
	require.Equal(t, "10.000000", info.Duration())
	require.Equal(t, "1048576", info.Size())
	require.Equal(t, "838860", info.Bitrate())
	require.Equal(t, "Lavf60.3.100", info.Tags()["encoder"])

	streams := info.Streams()
	require.Len(t, streams, 2)
	require.Equal(t, "video", streams[0].Type)
	require.Equal(t, "h264", streams[0].Codec)
	require.Equal(t, 1280, streams[0].Width)
	require.Equal(t, 720, streams[0].Height)
	require.Equal(t, 1, streams[1].Index)

	chapters := info.Chapters()
	require.Len(t, chapters, 1)
	require.Equal(t, "10.000000", chapters[0].End)
}

func TestParseMediaInformation_Fail(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", "   ", "{", "[1,2]", "null"} {
		_, err := model.ParseMediaInformation([]byte(given))
		require.Error(t, err, given)
		require.ErrorIs(t, err, model.ErrParseFailed)
		require.Equal(t, model.CodeParseFailed, model.CodeOf(err))
	}
}
