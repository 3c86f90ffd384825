package gdbstub

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// testReg is a register served by fakeStub.
type testReg struct {
	name  string
	bits  int
	value uint64
}

var testRegs = []testReg{
	{"rax", 64, 0x1111}, {"rbx", 64, 0x2222}, {"rcx", 64, 0x3333}, {"rdx", 64, 0x4444},
	{"rsi", 64, 0x5555}, {"rdi", 64, 0x6666}, {"rbp", 64, 0xffffc90000013e58}, {"rsp", 64, 0xffffc90000013e40},
	{"r8", 64, 8}, {"r9", 64, 9}, {"r10", 64, 10}, {"r11", 64, 11},
	{"r12", 64, 12}, {"r13", 64, 13}, {"r14", 64, 14}, {"r15", 64, 15},
	{"rip", 64, 0xffffffff81e0a2c4}, {"eflags", 32, 0x246},
	{"cs", 32, 0x10}, {"ss", 32, 0x18}, {"ds", 32, 0}, {"es", 32, 0}, {"fs", 32, 0}, {"gs", 32, 0},
	{"fs_base", 64, 0x7f0000001000}, {"gs_base", 64, 0xffff888100000000}, {"k_gs_base", 64, 0},
	{"cr0", 64, 0x80050033}, {"cr2", 64, 0x7f1234567000}, {"cr3", 64, 0x10d4e000}, {"cr4", 64, 0x370ef0},
	{"cr8", 64, 0}, {"efer", 64, 0xd01},
	{"st0", 80, 0},
}

const testTargetXML = `<?xml version="1.0"?>
<!DOCTYPE target SYSTEM "gdb-target.dtd">
<target>
<architecture>i386:x86-64</architecture>
<xi:include xmlns:xi="http://www.w3.org/2001/XInclude" href="core.xml"/>
</target>`

func testCoreXML() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>
<!DOCTYPE feature SYSTEM "gdb-target.dtd">
<feature name="org.gnu.gdb.i386.core">
`)
	for _, r := range testRegs {
		fmt.Fprintf(&b, "<reg name=%q bitsize=\"%d\"/>\n", r.name, r.bits)
	}
	b.WriteString("</feature>\n")
	return b.String()
}

// registerBlock returns the 'g' reply payload for testRegs, with vcpu
// added to rax so VCPUs can be told apart.
func registerBlock(vcpu int) []byte {
	var out []byte
	for _, r := range testRegs {
		buf := make([]byte, r.bits/8)
		var v [8]byte
		val := r.value
		if r.name == "rax" {
			val += uint64(vcpu)
		}
		binary.LittleEndian.PutUint64(v[:], val)
		copy(buf, v[:])
		out = append(out, buf...)
	}
	return out
}

// rle run length encodes s the way stubs do.
func rle(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j] == s[i] {
			j++
		}
		b.WriteByte(s[i])
		remaining := j - i - 1
		for remaining >= 3 {
			r := remaining
			if r > 5 {
				r = 5
			}
			b.WriteByte('*')
			b.WriteByte(byte(r + 29))
			remaining -= r
		}
		for ; remaining > 0; remaining-- {
			b.WriteByte(s[i])
		}
		i = j
	}
	return b.String()
}

// fakeStub is an in-process gdbstub serving the stub side of a net.Conn.
type fakeStub struct {
	t          *testing.T
	conn       net.Conn
	rdr        *bufio.Reader
	packetSize int
	noPhysMode bool
	rle        bool

	mu       sync.Mutex
	mem      []byte
	noAck    bool
	physMode bool
	running  bool
	thread   string
	packets  []string
	maxRead  int
}

func newFakeStub(t *testing.T, conn net.Conn, memSize int) *fakeStub {
	return &fakeStub{t: t, conn: conn, rdr: bufio.NewReader(conn), packetSize: 0x80, mem: make([]byte, memSize), thread: "1"}
}

func (s *fakeStub) serve() {
	for {
		c, err := s.rdr.ReadByte()
		if err != nil {
			return
		}
		switch c {
		case '+', '-':
			continue
		case ctrlC:
			s.mu.Lock()
			running := s.running
			s.running = false
			s.mu.Unlock()
			if running {
				s.reply("T02thread:01;")
			}
			continue
		case '$':
		default:
			s.t.Errorf("stub: unexpected byte %q", c)
			continue
		}
		body, err := s.rdr.ReadBytes('#')
		if err != nil {
			return
		}
		var csum [2]byte
		if _, err := io.ReadFull(s.rdr, csum[:]); err != nil {
			return
		}
		pkt := "$" + string(body)
		if !checksumok([]byte(pkt), csum[:]) {
			s.t.Errorf("stub: bad checksum on %q", pkt)
		}
		s.mu.Lock()
		noAck := s.noAck
		s.mu.Unlock()
		if !noAck {
			s.conn.Write([]byte{'+'})
		}
		s.handle(string(body[:len(body)-1]))
	}
}

func (s *fakeStub) reply(payload string) {
	sum := checksum([]byte("$" + payload + "#"))
	fmt.Fprintf(s.conn, "$%s#%02x", payload, sum)
}

func (s *fakeStub) handle(cmd string) {
	s.mu.Lock()
	s.packets = append(s.packets, cmd)
	s.mu.Unlock()

	switch {
	case cmd == "QStartNoAckMode":
		s.reply("OK")
		s.mu.Lock()
		s.noAck = true
		s.mu.Unlock()
	case strings.HasPrefix(cmd, "qSupported"):
		s.reply(fmt.Sprintf("PacketSize=%x;qXfer:features:read+;vContSupported+", s.packetSize))
	case cmd == "?":
		s.reply("T05thread:01;")
	case strings.HasPrefix(cmd, "qXfer:features:read:"):
		s.xfer(strings.TrimPrefix(cmd, "qXfer:features:read:"))
	case cmd == "Qqemu.PhyMemMode:1":
		if s.noPhysMode {
			s.reply("")
			return
		}
		s.physMode = true
		s.reply("OK")
	case cmd == "qfThreadInfo":
		s.reply("m1,2")
	case cmd == "qsThreadInfo":
		s.reply("l")
	case strings.HasPrefix(cmd, "Hg"):
		s.thread = cmd[2:]
		s.reply("OK")
	case cmd == "g":
		vcpu, _ := strconv.Atoi(s.thread)
		payload := hex.EncodeToString(registerBlock(vcpu - 1))
		if s.rle {
			payload = rle(payload)
		}
		s.reply(payload)
	case strings.HasPrefix(cmd, "m"):
		var addr, n int
		fmt.Sscanf(cmd, "m%x,%x", &addr, &n)
		if !s.physMode {
			s.reply("E14")
			return
		}
		if 2*n+4 > s.packetSize {
			s.t.Errorf("stub: memory read of %d bytes does not fit in a packet", n)
		}
		s.mu.Lock()
		if n > s.maxRead {
			s.maxRead = n
		}
		s.mu.Unlock()
		if addr+n > len(s.mem) {
			s.reply("E14")
			return
		}
		s.reply(hex.EncodeToString(s.mem[addr : addr+n]))
	case strings.HasPrefix(cmd, "M"):
		if len(cmd)+4 > s.packetSize {
			s.t.Errorf("stub: packet of %d bytes is larger than the packet size", len(cmd)+4)
		}
		var addr, n int
		colon := strings.Index(cmd, ":")
		fmt.Sscanf(cmd[:colon], "M%x,%x", &addr, &n)
		data, err := hex.DecodeString(cmd[colon+1:])
		if err != nil || len(data) != n || addr+n > len(s.mem) {
			s.reply("E01")
			return
		}
		copy(s.mem[addr:], data)
		s.reply("OK")
	case cmd == "vCont;c":
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
	case cmd == "D":
		s.reply("OK")
	default:
		s.reply("")
	}
}

func (s *fakeStub) xfer(args string) {
	// annex:offset,length
	colon := strings.LastIndex(args, ":")
	annex := args[:colon]
	var off, n int
	fmt.Sscanf(args[colon+1:], "%x,%x", &off, &n)
	var doc string
	switch annex {
	case "target.xml":
		doc = testTargetXML
	case "core.xml":
		doc = testCoreXML()
	default:
		s.reply("E00")
		return
	}
	if off >= len(doc) {
		s.reply("l")
		return
	}
	end := off + n
	if end >= len(doc) {
		s.reply("l" + doc[off:])
		return
	}
	s.reply("m" + doc[off:end])
}

func (s *fakeStub) sent(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r []string
	for _, p := range s.packets {
		if bytes.HasPrefix([]byte(p), []byte(prefix)) {
			r = append(r, p)
		}
	}
	return r
}
