// Package gdbstub implements a live vmi.Driver talking to the gdbstub of
// QEMU (or any stub speaking the GDB Remote Serial Protocol with QEMU's
// extensions) over TCP.
//
// Each VCPU of the guest is a thread of the stub. Memory is accessed with
// 'm' and 'M' packets after switching the stub to physical addressing with
// Qqemu.PhyMemMode, registers are read with 'g' and decoded according to
// the register description the stub sends in target.xml.
package gdbstub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/vmi"
	"github.com/go-delve/vmi/pkg/vmi/amd64"
)

const (
	regnamePC  = "rip"
	regnameSP  = "rsp"
	regnameCR3 = "cr3"

	pageSize = 4096
)

var (
	// ErrRunning is returned when memory or registers are accessed while
	// the guest runs, the stub only answers those requests when stopped.
	ErrRunning = errors.New("guest is running")
	// ErrNoPhysicalMode is returned when the stub can not address physical
	// memory.
	ErrNoPhysicalMode = errors.New("stub does not support physical memory access")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection closed")
)

// Config configures Connect.
type Config struct {
	// Addr is the host:port of the stub.
	Addr string
	// ConnectTimeout bounds the time spent retrying the connection.
	ConnectTimeout time.Duration
	// MaxGFN is the highest guest frame number, the stub has no way to
	// report the size of guest memory.
	MaxGFN vmi.GFN
}

// Driver is a live driver over a gdbstub connection.
type Driver struct {
	conn    *gdbConn
	threads []string
	maxGFN  vmi.GFN
	closed  bool
	log     logflags.Logger
}

var _ vmi.Driver = (*Driver)(nil)

// Connect dials cfg.Addr, retrying with exponential backoff until
// cfg.ConnectTimeout expires, and performs the protocol handshake.
func Connect(ctx context.Context, cfg Config) (*Driver, error) {
	log := logflags.DriverLogger("gdbstub")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout

	var nc net.Conn
	var dialer net.Dialer
	op := func() error {
		var err error
		nc, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Debugf("connect to %s: %v", cfg.Addr, err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("could not connect to gdbstub at %s: %w", cfg.Addr, err)
	}
	d, err := newDriver(nc, cfg.MaxGFN)
	if err != nil {
		nc.Close()
		return nil, err
	}
	log.Infof("connected to %s, %d vcpus, packet size %d", cfg.Addr, len(d.threads), d.conn.packetSize)
	return d, nil
}

// newDriver runs the handshake on an established connection.
func newDriver(nc net.Conn, maxGFN vmi.GFN) (*Driver, error) {
	conn := newConn(nc)
	if err := conn.handshake(); err != nil {
		return nil, err
	}
	if err := conn.qemuPhysicalMode(); err != nil {
		if isProtocolErrorUnsupported(err) {
			return nil, ErrNoPhysicalMode
		}
		return nil, err
	}
	threads, err := conn.queryThreads()
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, errors.New("stub reported no vcpus")
	}
	return &Driver{conn: conn, threads: threads, maxGFN: maxGFN, log: logflags.DriverLogger("gdbstub")}, nil
}

// Info describes the guest.
func (d *Driver) Info() (vmi.Info, error) {
	return vmi.Info{
		PageSize:  pageSize,
		PageShift: 12,
		MaxGFN:    d.maxGFN,
		Vcpus:     uint16(len(d.threads)),
	}, nil
}

func (d *Driver) check() error {
	if d.closed {
		return ErrClosed
	}
	if d.conn.running {
		return ErrRunning
	}
	return nil
}

// ReadPhysical reads guest physical memory.
func (d *Driver) ReadPhysical(pa vmi.PA, buf []byte) error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	return d.conn.readMemory(buf, uint64(pa))
}

// WritePhysical writes guest physical memory.
func (d *Driver) WritePhysical(pa vmi.PA, data []byte) error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	return d.conn.writeMemory(uint64(pa), data)
}

// ReadRegisters reads the registers of vcpu.
func (d *Driver) ReadRegisters(vcpu vmi.VcpuID) (vmi.Registers, error) {
	if int(vcpu) >= len(d.threads) {
		return nil, fmt.Errorf("vcpu %d: %w", vcpu, vmi.ErrVcpuOutOfRange)
	}
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	data := make([]byte, d.conn.regsSize)
	if err := d.conn.readRegisters(d.threads[vcpu], data); err != nil {
		return nil, err
	}
	return decodeRegisters(d.conn.regsInfo, data), nil
}

// Pause stops the guest. Pausing a stopped guest does nothing.
func (d *Driver) Pause() error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if !d.conn.running {
		return nil
	}
	if err := d.conn.interrupt(); err != nil {
		return err
	}
	d.conn.running = false
	return nil
}

// Resume continues the guest.
func (d *Driver) Resume() error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.conn.running {
		return nil
	}
	if err := d.conn.resume(); err != nil {
		return err
	}
	d.conn.running = true
	return nil
}

// Close detaches from the stub, leaving the guest running.
func (d *Driver) Close() error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.conn.running {
		// 'D' resumes the guest, there is nothing to do if it fails.
		if _, err := d.conn.exec([]byte("$D"), "detach"); err != nil {
			d.log.Debugf("detach: %v", err)
		}
	}
	return d.conn.conn.Close()
}

// decodeRegisters fills amd64 registers from a 'g' reply laid out by regs.
func decodeRegisters(regs []gdbRegisterInfo, data []byte) *amd64.Registers {
	r := new(amd64.Registers)
	for _, reg := range regs {
		sz := reg.Bitsize / 8
		if sz == 0 || sz > 8 || reg.Offset+sz > len(data) {
			continue
		}
		var buf [8]byte
		copy(buf[:], data[reg.Offset:reg.Offset+sz])
		v := binary.LittleEndian.Uint64(buf[:])
		if p := gprByName(r, reg.Name); p != nil {
			*p = v
			continue
		}
		switch reg.Name {
		case "eflags":
			r.Rflags = v
		case "cs":
			r.Cs.Selector = uint16(v)
		case "ss":
			r.Ss.Selector = uint16(v)
		case "ds":
			r.Ds.Selector = uint16(v)
		case "es":
			r.Es.Selector = uint16(v)
		case "fs":
			r.Fs.Selector = uint16(v)
		case "gs":
			r.Gs.Selector = uint16(v)
		case "fs_base":
			r.Fs.Base = v
		case "gs_base":
			r.Gs.Base = v
		case "k_gs_base":
			r.KernelGsBase = v
		case "cr0":
			r.Cr0 = amd64.Cr0(v)
		case "cr2":
			r.Cr2 = amd64.Cr2(v)
		case "cr3":
			r.Cr3 = amd64.Cr3(v)
		case "cr4":
			r.Cr4 = amd64.Cr4(v)
		case "efer":
			r.Efer = amd64.Efer(v)
		}
	}
	return r
}

func gprByName(r *amd64.Registers, name string) *uint64 {
	switch name {
	case "rax":
		return &r.Rax
	case "rbx":
		return &r.Rbx
	case "rcx":
		return &r.Rcx
	case "rdx":
		return &r.Rdx
	case "rsi":
		return &r.Rsi
	case "rdi":
		return &r.Rdi
	case "rbp":
		return &r.Rbp
	case "rsp":
		return &r.Rsp
	case "r8":
		return &r.R8
	case "r9":
		return &r.R9
	case "r10":
		return &r.R10
	case "r11":
		return &r.R11
	case "r12":
		return &r.R12
	case "r13":
		return &r.R13
	case "r14":
		return &r.R14
	case "r15":
		return &r.R15
	case "rip":
		return &r.Rip
	}
	return nil
}
