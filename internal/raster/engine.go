package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// BaseDPI PDF 用户空间单位对应的 DPI
const BaseDPI = 72.0

// DefaultOversampleFactor 默认 4 倍过采样，即 288 DPI
const DefaultOversampleFactor = 4.0

var (
	// ErrEngineUnavailable 渲染引擎初始化失败
	ErrEngineUnavailable = errors.New("raster engine unavailable")
)

// Document 已解码的 PDF 文档，go-fitz 的 *fitz.Document 满足该接口
type Document interface {
	NumPage() int
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Decoder 把内存中的字节解码为 Document
type Decoder func(data []byte) (Document, error)

// FitzDecoder 基于 MuPDF (go-fitz) 的解码器
func FitzDecoder(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Options 引擎配置，只在初始化时读取一次
type Options struct {
	OversampleFactor float64
	Workers          int
	Decoder          Decoder
}

// Engine 初始化完成后的渲染引擎，整个进程共享
type Engine struct {
	decode  Decoder
	factor  float64
	workers int
	slots   *semaphore.Weighted
}

// NewEngine 按配置构建引擎
func NewEngine(opts Options) (*Engine, error) {
	factor := opts.OversampleFactor
	if factor <= 0 {
		factor = DefaultOversampleFactor
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	decode := opts.Decoder
	if decode == nil {
		decode = FitzDecoder
	}
	return &Engine{
		decode:  decode,
		factor:  factor,
		workers: workers,
		slots:   semaphore.NewWeighted(int64(workers)),
	}, nil
}

// DPI 渲染分辨率
func (e *Engine) DPI() float64 {
	return BaseDPI * e.factor
}

// Workers 最大并发渲染数
func (e *Engine) Workers() int {
	return e.workers
}

// acquireSlot 占用一个渲染槽位，返回释放函数
func (e *Engine) acquireSlot(ctx context.Context) (func(), error) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { e.slots.Release(1) }, nil
}

// InitFunc 构建引擎的初始化函数
type InitFunc func(ctx context.Context) (*Engine, error)

// Registry 懒加载并缓存渲染引擎。
// 并发的首次调用共享同一次初始化；成功结果在进程生命周期内复用，
// 初始化失败后下一次调用会重新尝试。
type Registry struct {
	init InitFunc

	mu         sync.RWMutex
	engine     *Engine
	generation uint64

	group    singleflight.Group
	attempts atomic.Int64
}

// NewRegistry 创建注册表
func NewRegistry(init InitFunc) *Registry {
	return &Registry{init: init}
}

// NewRegistryWithOptions 使用 NewEngine 作为初始化函数
func NewRegistryWithOptions(opts Options) *Registry {
	return NewRegistry(func(context.Context) (*Engine, error) {
		return NewEngine(opts)
	})
}

const initKey = "engine"

// Acquire 返回已初始化的引擎，必要时触发初始化
func (r *Registry) Acquire(ctx context.Context) (*Engine, error) {
	r.mu.RLock()
	engine, gen := r.engine, r.generation
	r.mu.RUnlock()
	if engine != nil {
		return engine, nil
	}

	// 初始化不跟随单个调用方取消，其他等待者仍需要结果
	initCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(initKey, func() (interface{}, error) {
		return r.runInit(initCtx, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Engine), nil
	}
}

func (r *Registry) runInit(ctx context.Context, gen uint64) (engine *Engine, err error) {
	r.mu.RLock()
	cached := r.engine
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	r.attempts.Add(1)
	defer func() {
		if p := recover(); p != nil {
			engine = nil
			err = fmt.Errorf("%w: init panic: %v", ErrEngineUnavailable, p)
		}
	}()

	engine, err = r.init(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: init returned no engine", ErrEngineUnavailable)
	}

	r.mu.Lock()
	// Reset 期间完成的初始化不写回缓存
	if r.generation == gen {
		r.engine = engine
	}
	r.mu.Unlock()
	return engine, nil
}

// Loaded 引擎是否已经初始化
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine != nil
}

// Attempts 已执行的初始化次数
func (r *Registry) Attempts() int64 {
	return r.attempts.Load()
}

// Reset 丢弃缓存的引擎，下次 Acquire 重新初始化
func (r *Registry) Reset() {
	r.mu.Lock()
	r.engine = nil
	r.generation++
	r.mu.Unlock()
	r.group.Forget(initKey)
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
	defaultRegistryMu   sync.Mutex
)

// GetDefaultRegistry 获取进程级默认注册表，只有第一次调用的 opts 生效
func GetDefaultRegistry(opts Options) *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistryWithOptions(opts)
	})
	return defaultRegistry
}

// ResetDefaultRegistry 重置默认注册表，主要用于测试
func ResetDefaultRegistry() {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = nil
	defaultRegistryOnce = sync.Once{}
}
