package acquisition

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-ingest/internal/types"
)

type recorder struct {
	calls []*types.UploadedDocument
}

func (r *recorder) onSelect(doc *types.UploadedDocument) {
	r.calls = append(r.calls, doc)
}

func newTestAcquirer(policy Policy) (*Acquirer, *recorder) {
	rec := &recorder{}
	return NewAcquirer(policy, rec.onSelect, zerolog.Nop()), rec
}

func TestDropKeepsOnlyFirstFile(t *testing.T) {
	a, rec := newTestAcquirer(DefaultPolicy())

	files := []Candidate{
		BytesCandidate("a.pdf", "application/pdf", []byte("%PDF-a")),
		BytesCandidate("b.pdf", "application/pdf", []byte("%PDF-b")),
		BytesCandidate("c.pdf", "application/pdf", []byte("%PDF-c")),
	}
	accepted := a.Drop(files)

	require.Len(t, rec.calls, 1)
	require.NotNil(t, rec.calls[0])
	assert.Equal(t, "a.pdf", rec.calls[0].Name)
	assert.Same(t, accepted, rec.calls[0])
	assert.Equal(t, StateAccepted, a.State())
	assert.Nil(t, a.LastRejection())
}

func TestRejectedFilesNeverReachCallback(t *testing.T) {
	big := Candidate{
		Name:      "huge.pdf",
		MediaType: "application/pdf",
		Size:      DefaultMaxSize + 1,
		Open: func() ([]byte, error) {
			t.Fatal("oversized file must not be read")
			return nil, nil
		},
	}

	tests := []struct {
		name   string
		files  []Candidate
		reason error
	}{
		{name: "declared text/plain", files: []Candidate{BytesCandidate("resume.pdf", "text/plain", []byte("%PDF"))}, reason: ErrUnsupportedType},
		{name: "too large", files: []Candidate{big}, reason: ErrFileTooLarge},
		{name: "empty", files: []Candidate{BytesCandidate("empty.pdf", "application/pdf", nil)}, reason: ErrEmptyFile},
		{name: "no files", files: nil, reason: ErrNoFile},
		{name: "unreadable", files: []Candidate{{Name: "x.pdf", MediaType: "application/pdf", Size: 10, Open: func() ([]byte, error) {
			return nil, errors.New("stream reset")
		}}}, reason: ErrUnreadableFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, rec := newTestAcquirer(DefaultPolicy())
			got := a.Pick(tt.files)

			assert.Nil(t, got)
			require.Len(t, rec.calls, 1)
			assert.Nil(t, rec.calls[0])
			require.NotNil(t, a.LastRejection())
			assert.ErrorIs(t, a.LastRejection(), tt.reason)
			assert.Equal(t, StateIdle, a.State())
		})
	}
}

func TestActualSizeOverridesDeclaredSize(t *testing.T) {
	a, rec := newTestAcquirer(Policy{MaxSize: 8, AllowedTypes: []string{"application/pdf"}})

	lying := Candidate{Name: "lie.pdf", MediaType: "application/pdf", Size: 4, Open: func() ([]byte, error) {
		return bytes.Repeat([]byte("x"), 16), nil
	}}
	assert.Nil(t, a.Drop([]Candidate{lying}))
	require.Len(t, rec.calls, 1)
	assert.Nil(t, rec.calls[0])
	assert.ErrorIs(t, a.LastRejection(), ErrFileTooLarge)
}

func TestMediaTypeParametersAreIgnored(t *testing.T) {
	a, _ := newTestAcquirer(DefaultPolicy())
	doc := a.Pick([]Candidate{BytesCandidate("r.pdf", "Application/PDF; charset=binary", []byte("%PDF"))})
	require.NotNil(t, doc)
	assert.Equal(t, int64(4), doc.Size)
}

func TestStateTransitions(t *testing.T) {
	a, _ := newTestAcquirer(DefaultPolicy())
	assert.Equal(t, StateIdle, a.State())

	a.DragEnter()
	assert.Equal(t, StateDragActive, a.State())
	a.DragLeave()
	assert.Equal(t, StateIdle, a.State())

	a.DragEnter()
	first := a.Drop([]Candidate{BytesCandidate("first.pdf", "application/pdf", []byte("1"))})
	require.NotNil(t, first)
	assert.Equal(t, StateAccepted, a.State())

	// 后一次接受替换当前文件
	second := a.Pick([]Candidate{BytesCandidate("second.pdf", "application/pdf", []byte("22"))})
	require.NotNil(t, second)
	assert.Equal(t, "second.pdf", a.Current().Name)

	// 拒绝清空当前文件
	a.Pick([]Candidate{BytesCandidate("notes.txt", "text/plain", []byte("x"))})
	assert.Nil(t, a.Current())
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, "idle", a.State().String())
}

func TestRejectionMessageUsesFormattedSize(t *testing.T) {
	a, _ := newTestAcquirer(DefaultPolicy())
	a.Pick([]Candidate{{Name: "big.pdf", MediaType: "application/pdf", Size: 30 * 1024 * 1024}})
	require.NotNil(t, a.LastRejection())
	assert.Equal(t, "big.pdf is 30 MB, the maximum size is 20 MB", a.LastRejection().Error())
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:                "0 Bytes",
		512:              "512 Bytes",
		1024:             "1 KB",
		1536:             "1.5 KB",
		500 * 1024:       "500 KB",
		20 * 1024 * 1024: "20 MB",
		1234567:          "1.18 MB",
		3 * 1 << 30:      "3 GB",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatSize(in), "bytes=%d", in)
	}
}
