package codec

import (
	"image/png"
	"sync"
)

type pngBufferPool struct {
	pool sync.Pool
}

var _ png.EncoderBufferPool = (*pngBufferPool)(nil)

func newPNGBufferPool() *pngBufferPool {
	return &pngBufferPool{}
}

func (p *pngBufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *pngBufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
