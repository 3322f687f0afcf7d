package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/store/storetest"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, frames := storetest.SampleSession("export", time.UnixMilli(1700000000000), 4)
	s.ID = "abc"
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Document{Metadata: s, Frames: frames}))
	assert.Contains(t, buf.String(), `"metadata"`)
	assert.Contains(t, buf.String(), `"frames"`)

	doc, err := Read(&buf)
	require.NoError(t, err)
	storetest.AssertSessionEqual(t, s, doc.Metadata)
	assert.Equal(t, "abc", doc.Metadata.ID)
	require.Len(t, doc.Frames, len(frames))
	for i := range frames {
		storetest.AssertFrameEqual(t, frames[i], doc.Frames[i])
	}
}

func TestWriteEmptyFramesIsArray(t *testing.T) {
	s, _ := storetest.SampleSession("empty", time.Now(), 0)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Document{Metadata: s}))
	assert.Contains(t, buf.String(), `"frames": []`)
	doc, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, doc.Frames)
}

func TestReadRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"metadata":`,
		"missing frames":    `{"metadata":{"name":"x","start_time":"2024-01-01T00:00:00Z","frame_count":0,"viewport":{}}}`,
		"negative seq":      `{"metadata":{"name":"x","start_time":"2024-01-01T00:00:00Z","frame_count":1,"viewport":{}},"frames":[{"seq":-1,"timestamp_ms":0,"payload":""}]}`,
		"payload number":    `{"metadata":{"name":"x","start_time":"2024-01-01T00:00:00Z","frame_count":1,"viewport":{}},"frames":[{"seq":0,"timestamp_ms":0,"payload":5}]}`,
		"seq out of order":  `{"metadata":{"name":"x","start_time":"2024-01-01T00:00:00Z","frame_count":2,"viewport":{}},"frames":[{"seq":2,"timestamp_ms":0,"payload":""},{"seq":1,"timestamp_ms":1,"payload":""}]}`,
		"metadata missing":  `{"frames":[]}`,
		"ends before start": `{"metadata":{"name":"x","start_time":"2024-01-01T00:00:01Z","end_time":"2024-01-01T00:00:00Z","frame_count":0,"viewport":{}},"frames":[]}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(in))
			require.Error(t, err)
			assert.True(t, errmodel.Is(err, "invalid_document"), "got %v", err)
			assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
		})
	}
}

func TestFileName(t *testing.T) {
	s, _ := storetest.SampleSession("n", time.UnixMilli(1700000000123), 0)
	assert.Equal(t, "rewind-recording-1700000000123.json", FileName(Document{Metadata: s}))
}
