package server

import (
	"sync"

	"github.com/wachiwi/recarga/pkg/camera"
)

// SurfaceController is the part of the scanner the preview drives.
type SurfaceController interface {
	SurfaceCreated(s camera.Surface)
	SurfaceDestroyed()
}

// Preview is the display surface backing the MJPEG endpoint. The first
// viewer attaches it to the scanner and the last one detaches it, unless
// the preview is pinned because the scanner runs headless.
type Preview struct {
	frameMu sync.RWMutex
	frame   []byte
	seq     uint64

	viewerMu sync.Mutex
	viewers  int
	pinned   bool
	ctrl     SurfaceController
}

var _ camera.Surface = (*Preview)(nil)

func NewPreview(ctrl SurfaceController, pinned bool) *Preview {
	return &Preview{ctrl: ctrl, pinned: pinned}
}

// Present stores the latest frame for viewers.
func (p *Preview) Present(frame []byte) {
	p.frameMu.Lock()
	p.frame = frame
	p.seq++
	p.frameMu.Unlock()
}

// Latest returns the current frame and its sequence number.
func (p *Preview) Latest() ([]byte, uint64) {
	p.frameMu.RLock()
	defer p.frameMu.RUnlock()
	return p.frame, p.seq
}

// Viewers returns the number of connected preview clients.
func (p *Preview) Viewers() int {
	p.viewerMu.Lock()
	defer p.viewerMu.Unlock()
	return p.viewers
}

func (p *Preview) join() {
	p.viewerMu.Lock()
	defer p.viewerMu.Unlock()
	p.viewers++
	if p.viewers == 1 && !p.pinned {
		p.ctrl.SurfaceCreated(p)
	}
}

func (p *Preview) leave() {
	p.viewerMu.Lock()
	defer p.viewerMu.Unlock()
	if p.viewers == 0 {
		return
	}
	p.viewers--
	if p.viewers == 0 && !p.pinned {
		p.ctrl.SurfaceDestroyed()
		p.frameMu.Lock()
		p.frame = nil
		p.frameMu.Unlock()
	}
}
