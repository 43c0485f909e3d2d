// Package application 计算引擎的应用服务层
package application

import (
	"context"
	"runtime"
)

// Pools 双执行池。I/O 池承载行情拉取与持久化等阻塞调用，
// 上限放宽（按并发请求数而非核数）；CPU 池承载计算器执行，
// 以可用核数为界，超订只会增加争用。
// 引擎不会把计算器逻辑放进 I/O 池，也不会在 CPU 池内做阻塞 I/O。
type Pools struct {
	io  chan struct{}
	cpu chan struct{}
}

// NewPools 创建执行池，非法入参回退到默认值
func NewPools(ioSize, cpuSize int) *Pools {
	if ioSize <= 0 {
		ioSize = 64
	}
	if cpuSize <= 0 {
		cpuSize = runtime.NumCPU()
	}
	return &Pools{
		io:  make(chan struct{}, ioSize),
		cpu: make(chan struct{}, cpuSize),
	}
}

// RunIO 在 I/O 池内执行 fn，池满时阻塞等待或随 ctx 取消
func (p *Pools) RunIO(ctx context.Context, fn func() error) error {
	return p.run(ctx, p.io, fn)
}

// RunCPU 在 CPU 池内执行 fn
func (p *Pools) RunCPU(ctx context.Context, fn func() error) error {
	return p.run(ctx, p.cpu, fn)
}

func (p *Pools) run(ctx context.Context, sem chan struct{}, fn func() error) error {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	return fn()
}
