// Package acquisition 负责接收用户上传的简历文件，校验类型与大小，
// 每次交互最多交出一个被接受的文件。
package acquisition

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"resume-ingest/internal/types"
)

// DefaultMaxSize 默认大小上限 20 MiB
const DefaultMaxSize int64 = 20 * 1024 * 1024

// 拒绝原因
var (
	ErrNoFile          = errors.New("no file provided")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
	ErrUnreadableFile  = errors.New("file could not be read")
)

// Policy 校验策略
type Policy struct {
	MaxSize      int64
	AllowedTypes []string
}

// DefaultPolicy 只接受 20 MiB 以内的 PDF
func DefaultPolicy() Policy {
	return Policy{MaxSize: DefaultMaxSize, AllowedTypes: []string{"application/pdf"}}
}

func (p Policy) allows(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	for _, allowed := range p.AllowedTypes {
		if strings.EqualFold(mt, allowed) {
			return true
		}
	}
	return false
}

// Candidate 待校验的文件。Open 只在通过类型和大小校验后调用。
type Candidate struct {
	Name      string
	MediaType string
	Size      int64
	Open      func() ([]byte, error)
}

// BytesCandidate 由内存数据构造候选文件
func BytesCandidate(name, mediaType string, data []byte) Candidate {
	return Candidate{
		Name:      name,
		MediaType: mediaType,
		Size:      int64(len(data)),
		Open:      func() ([]byte, error) { return data, nil },
	}
}

// Rejection 拒绝详情
type Rejection struct {
	Reason  error
	Name    string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func (r *Rejection) Unwrap() error {
	return r.Reason
}

// State 展示状态
type State int

const (
	StateIdle State = iota
	StateDragActive
	StateAccepted
)

func (s State) String() string {
	switch s {
	case StateDragActive:
		return "drag_active"
	case StateAccepted:
		return "accepted"
	default:
		return "idle"
	}
}

// Acquirer 单个上传目标，线程安全
type Acquirer struct {
	policy   Policy
	onSelect func(*types.UploadedDocument)
	logger   zerolog.Logger

	mu            sync.Mutex
	dragActive    bool
	current       *types.UploadedDocument
	lastRejection *Rejection
}

// NewAcquirer 创建上传目标，onSelect 在每次 Drop/Pick 后恰好调用一次
func NewAcquirer(policy Policy, onSelect func(*types.UploadedDocument), logger zerolog.Logger) *Acquirer {
	if policy.MaxSize <= 0 {
		policy.MaxSize = DefaultMaxSize
	}
	if len(policy.AllowedTypes) == 0 {
		policy.AllowedTypes = DefaultPolicy().AllowedTypes
	}
	return &Acquirer{
		policy:   policy,
		onSelect: onSelect,
		logger:   logger.With().Str("component", "acquisition").Logger(),
	}
}

// DragEnter 拖拽进入
func (a *Acquirer) DragEnter() {
	a.mu.Lock()
	a.dragActive = true
	a.mu.Unlock()
}

// DragLeave 拖拽离开
func (a *Acquirer) DragLeave() {
	a.mu.Lock()
	a.dragActive = false
	a.mu.Unlock()
}

// Drop 拖放文件，只处理第一个
func (a *Acquirer) Drop(files []Candidate) *types.UploadedDocument {
	return a.handle(files)
}

// Pick 通过文件选择器选择文件，只处理第一个
func (a *Acquirer) Pick(files []Candidate) *types.UploadedDocument {
	return a.handle(files)
}

func (a *Acquirer) handle(files []Candidate) *types.UploadedDocument {
	if len(files) > 1 {
		a.logger.Debug().Int("discarded", len(files)-1).Msg("只保留第一个文件")
	}

	var doc *types.UploadedDocument
	var rejection *Rejection
	if len(files) == 0 {
		rejection = &Rejection{Reason: ErrNoFile, Message: "Please select a PDF file to upload."}
	} else {
		doc, rejection = a.validate(files[0])
	}

	a.mu.Lock()
	a.dragActive = false
	a.current = doc
	a.lastRejection = rejection
	a.mu.Unlock()

	if rejection != nil {
		a.logger.Info().Str("file", rejection.Name).Err(rejection.Reason).Msg("文件被拒绝")
	} else {
		a.logger.Info().Str("file", doc.Name).Int64("size", doc.Size).Msg("文件已接受")
	}

	if a.onSelect != nil {
		a.onSelect(doc)
	}
	return doc
}

func (a *Acquirer) validate(c Candidate) (*types.UploadedDocument, *Rejection) {
	if !a.policy.allows(c.MediaType) {
		return nil, &Rejection{
			Reason:  ErrUnsupportedType,
			Name:    c.Name,
			Message: fmt.Sprintf("%s is not a supported file type. Accepted: %s", c.Name, strings.Join(a.policy.AllowedTypes, ", ")),
		}
	}
	if c.Size > a.policy.MaxSize {
		return nil, &Rejection{
			Reason:  ErrFileTooLarge,
			Name:    c.Name,
			Message: fmt.Sprintf("%s is %s, the maximum size is %s", c.Name, FormatSize(c.Size), FormatSize(a.policy.MaxSize)),
		}
	}
	if c.Size <= 0 || c.Open == nil {
		return nil, &Rejection{Reason: ErrEmptyFile, Name: c.Name, Message: fmt.Sprintf("%s is empty", c.Name)}
	}

	data, err := c.Open()
	if err != nil {
		return nil, &Rejection{Reason: ErrUnreadableFile, Name: c.Name, Message: fmt.Sprintf("%s could not be read", c.Name)}
	}
	// 声明的大小不可信，以实际读取的字节数为准
	size := int64(len(data))
	if size > a.policy.MaxSize {
		return nil, &Rejection{
			Reason:  ErrFileTooLarge,
			Name:    c.Name,
			Message: fmt.Sprintf("%s is %s, the maximum size is %s", c.Name, FormatSize(size), FormatSize(a.policy.MaxSize)),
		}
	}
	if size == 0 {
		return nil, &Rejection{Reason: ErrEmptyFile, Name: c.Name, Message: fmt.Sprintf("%s is empty", c.Name)}
	}

	return &types.UploadedDocument{
		Name:      c.Name,
		MediaType: c.MediaType,
		Size:      size,
		Data:      data,
	}, nil
}

// State 当前展示状态
func (a *Acquirer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.current != nil:
		return StateAccepted
	case a.dragActive:
		return StateDragActive
	default:
		return StateIdle
	}
}

// Current 当前被接受的文件
func (a *Acquirer) Current() *types.UploadedDocument {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// LastRejection 最近一次拒绝，最近一次被接受时为 nil
func (a *Acquirer) LastRejection() *Rejection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRejection
}

// Policy 当前策略
func (a *Acquirer) Policy() Policy {
	return a.policy
}
