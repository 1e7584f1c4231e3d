package sim

import (
	"fmt"

	"github.com/zsiec/hwdec/internal/hw"
)

type port struct {
	comp *Component
	kind portKind
	name string

	// Guarded by comp.mu.
	format    *hw.Format
	committed *hw.Format
	enabled   bool
	cb        hw.Callback
	reqs      hw.BufferRequirements
	num       int
	size      int
	params    map[hw.ParameterID]uint32

	events chan delivery
	quit   chan struct{}
	done   chan struct{}
}

func newPort(c *Component, kind portKind, name string) *port {
	return &port{
		comp:      c,
		kind:      kind,
		name:      name,
		format:    &hw.Format{},
		committed: &hw.Format{},
		params:    make(map[hw.ParameterID]uint32),
		events:    make(chan delivery, dispatchDepth),
	}
}

func (p *port) op(name string) string {
	switch p.kind {
	case kindControl:
		return "control." + name
	case kindInput:
		return "input." + name
	default:
		return "output." + name
	}
}

func (p *port) Name() string { return p.name }

func (p *port) Format() *hw.Format { return p.format }

func (p *port) Commit() error {
	if err := p.comp.cfg.fault(p.op("commit")); err != nil {
		return err
	}
	c := p.comp
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.kind == kindInput && p.format.Encoding == 0 {
		return fmt.Errorf("sim: commit %s: no encoding: %w", p.name, hw.StatusEINVAL)
	}
	p.committed = p.format.Clone()

	if p.kind == kindOutput && p.format.Encoding == hw.EncodingOpaque {
		// Opaque pictures are handles, not pixels.
		p.reqs.SizeMin = c.cfg.Output.SizeMin
		p.reqs.SizeRecommended = c.cfg.Output.SizeRecommended
	}
	return nil
}

func (p *port) Enable(cb hw.Callback) error {
	if cb == nil {
		return fmt.Errorf("sim: enable %s: nil callback: %w", p.name, hw.StatusEINVAL)
	}
	if err := p.comp.cfg.fault(p.op("enable")); err != nil {
		return err
	}
	c := p.comp
	c.mu.Lock()
	if p.enabled {
		c.mu.Unlock()
		return fmt.Errorf("sim: enable %s: %w", p.name, hw.StatusEISCONN)
	}
	p.enabled = true
	p.cb = cb
	if !c.cfg.Synchronous {
		p.quit = make(chan struct{})
		p.done = make(chan struct{})
		go p.dispatch(p.quit, p.done)
	}
	c.pumpLocked()
	c.mu.Unlock()
	c.runPending()
	return nil
}

// dispatch is the port's callback goroutine. On quit it drains whatever is
// already queued so no buffer is lost across a disable.
func (p *port) dispatch(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case d := <-p.events:
			d.run()
		case <-quit:
			for {
				select {
				case d := <-p.events:
					d.run()
				default:
					return
				}
			}
		}
	}
}

func (p *port) Disable() error {
	if err := p.comp.cfg.fault(p.op("disable")); err != nil {
		return err
	}
	c := p.comp
	c.mu.Lock()
	if !p.enabled {
		c.mu.Unlock()
		return fmt.Errorf("sim: disable %s: %w", p.name, hw.StatusEINVAL)
	}
	if p.kind == kindOutput {
		c.returnOutputLocked()
	}
	if p.kind == kindInput {
		c.assembling = nil
		c.asmStarted = false
	}
	p.enabled = false
	quit, done := p.quit, p.done
	p.quit, p.done = nil, nil
	c.mu.Unlock()

	c.runPending()
	if quit != nil {
		close(quit)
		<-done
	}
	return nil
}

func (p *port) Enabled() bool {
	p.comp.mu.Lock()
	defer p.comp.mu.Unlock()
	return p.enabled
}

func (p *port) Flush() error {
	c := p.comp
	c.mu.Lock()
	switch p.kind {
	case kindInput:
		c.assembling = nil
		c.asmStarted = false
		c.asmPTS = hw.TimeUnknown
	case kindOutput:
		c.decoded = nil
		c.returnOutputLocked()
	}
	// Deliveries queued before the flush, including pictures emitted just
	// ahead of it, reach the callback before Flush returns.
	var flushed chan struct{}
	if p.quit != nil {
		flushed = make(chan struct{})
		p.events <- delivery{port: p, flushed: flushed}
	}
	c.mu.Unlock()
	c.runPending()
	if flushed != nil {
		<-flushed
	}
	return nil
}

func (p *port) Send(buf *hw.Buffer) error {
	if buf == nil {
		return fmt.Errorf("sim: send %s: nil buffer: %w", p.name, hw.StatusEINVAL)
	}
	if err := p.comp.cfg.fault(p.op("send")); err != nil {
		return err
	}
	c := p.comp
	c.mu.Lock()
	if !p.enabled {
		c.mu.Unlock()
		return fmt.Errorf("sim: send %s: port disabled: %w", p.name, hw.StatusEINVAL)
	}
	switch p.kind {
	case kindInput:
		c.consumeLocked(buf)
	case kindOutput:
		c.outFree = append(c.outFree, buf)
	default:
		c.mu.Unlock()
		return fmt.Errorf("sim: send %s: %w", p.name, hw.StatusENOSYS)
	}
	c.pumpLocked()
	c.mu.Unlock()
	c.runPending()
	return nil
}

func (p *port) SetBool(id hw.ParameterID, v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return p.SetUint32(id, n)
}

func (p *port) SetUint32(id hw.ParameterID, v uint32) error {
	if p.kind == kindControl {
		return fmt.Errorf("sim: parameter %d on %s: %w", id, p.name, hw.StatusENOSYS)
	}
	p.comp.mu.Lock()
	p.params[id] = v
	p.comp.mu.Unlock()
	return nil
}

// Parameter returns a previously set parameter value.
func (p *port) Parameter(id hw.ParameterID) (uint32, bool) {
	p.comp.mu.Lock()
	defer p.comp.mu.Unlock()
	v, ok := p.params[id]
	return v, ok
}

func (p *port) Requirements() hw.BufferRequirements {
	p.comp.mu.Lock()
	defer p.comp.mu.Unlock()
	return p.reqs
}

func (p *port) SetBuffers(num, size int) {
	p.comp.mu.Lock()
	p.num, p.size = num, size
	p.comp.mu.Unlock()
}

func (p *port) Buffers() (int, int) {
	p.comp.mu.Lock()
	defer p.comp.mu.Unlock()
	return p.num, p.size
}

// InputParameter exposes parameters set on the input port for tests.
func (c *Component) InputParameter(id hw.ParameterID) (uint32, bool) {
	return c.input.Parameter(id)
}

// CommittedInput returns a copy of the last committed input format.
func (c *Component) CommittedInput() *hw.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.committed.Clone()
}

// CommittedOutput returns a copy of the last committed output format.
func (c *Component) CommittedOutput() *hw.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.committed.Clone()
}
