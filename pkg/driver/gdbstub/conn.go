package gdbstub

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/go-delve/vmi/pkg/logflags"
)

const (
	gdbWireMaxLen = 120

	// defaultPacketSize is used until the stub tells us its own.
	defaultPacketSize = 256
	// maxPacketSize bounds what we accept from qSupported.
	maxPacketSize = 1 << 20

	maxTransmitAttempts = 3
)

type gdbConn struct {
	conn net.Conn
	rdr  *bufio.Reader

	inbuf  []byte
	outbuf bytes.Buffer

	// mu serialises packets, the wire is a single conversation.
	mu      sync.Mutex
	running bool

	packetSize int               // maximum packet size supported by stub
	regsInfo   []gdbRegisterInfo // list of registers
	regsSize   int               // size of a 'g' reply in bytes

	ack bool // when ack is true acknowledgment packets are enabled

	log logflags.Logger
}

// ErrTooManyAttempts is returned when a packet is refused too many times
// because of bad checksums.
var ErrTooManyAttempts = errors.New("too many transmit attempts")

// GdbProtocolError is an error response (Exx) of Gdb Remote Serial Protocol
// or an "unsupported command" response (empty packet).
type GdbProtocolError struct {
	context string
	cmd     string
	code    string
}

func (err *GdbProtocolError) Error() string {
	cmd := err.cmd
	if len(cmd) > 20 {
		cmd = cmd[:20] + "..."
	}
	if err.code == "" {
		return fmt.Sprintf("unsupported packet %s during %s", cmd, err.context)
	}
	return fmt.Sprintf("protocol error %s during %s for packet %s", err.code, err.context, cmd)
}

func isProtocolErrorUnsupported(err error) bool {
	var gdberr *GdbProtocolError
	if !errors.As(err, &gdberr) {
		return false
	}
	return gdberr.code == ""
}

const qSupported = "$qSupported:xmlRegisters=i386"

func newConn(c net.Conn) *gdbConn {
	return &gdbConn{
		conn:       c,
		rdr:        bufio.NewReader(c),
		ack:        true,
		packetSize: defaultPacketSize,
		inbuf:      make([]byte, 0, defaultPacketSize),
		log:        logflags.GdbWireLogger(),
	}
}

func (conn *gdbConn) handshake() error {
	// This first ack packet is needed to start up the connection
	conn.sendack('+')

	if err := conn.disableAck(); err != nil && !isProtocolErrorUnsupported(err) {
		return err
	}

	if err := conn.qSupported(); err != nil {
		return err
	}

	// The stub stops the guest when we connect, ask why to drain the
	// pending stop reply.
	if _, err := conn.exec([]byte("$?"), "init/halt reason"); err != nil {
		return err
	}

	return conn.readTargetXml()
}

// qSupported interprets qSupported responses.
func (conn *gdbConn) qSupported() error {
	respBuf, err := conn.exec([]byte(qSupported), "init/qSupported")
	if err != nil {
		return err
	}
	for _, stubfeature := range strings.Split(string(respBuf), ";") {
		equal := strings.Index(stubfeature, "=")
		if equal < 0 || stubfeature[:equal] != "PacketSize" {
			continue
		}
		if n, err := strconv.ParseInt(stubfeature[equal+1:], 16, 64); err == nil && n > 32 && n <= maxPacketSize {
			conn.packetSize = int(n)
		}
	}
	return nil
}

// disableAck disables protocol acks.
func (conn *gdbConn) disableAck() error {
	_, err := conn.exec([]byte("$QStartNoAckMode"), "init/disableAck")
	if err == nil {
		conn.ack = false
	}
	return err
}

// gdbTarget is a struct type used to parse target.xml
type gdbTarget struct {
	Includes  []gdbTargetInclude `xml:"include"`
	Features  []gdbTargetFeature `xml:"feature"`
	Registers []gdbRegisterInfo  `xml:"reg"`
}

type gdbTargetFeature struct {
	Registers []gdbRegisterInfo `xml:"reg"`
}

type gdbTargetInclude struct {
	Href string `xml:"href,attr"`
}

type gdbRegisterInfo struct {
	Name    string `xml:"name,attr"`
	Bitsize int    `xml:"bitsize,attr"`
	Offset  int
	Regnum  int    `xml:"regnum,attr"`
	Group   string `xml:"group,attr"`
}

// readTargetXml reads target.xml file from stub using qXfer:features:read,
// then parses it requesting any additional files.
// The schema of target.xml is described by:
//  https://github.com/bminor/binutils-gdb/blob/61baf725eca99af2569262d10aca03dcde2698f6/gdb/features/gdb-target.dtd
func (conn *gdbConn) readTargetXml() (err error) {
	conn.regsInfo, err = conn.readAnnex("target.xml")
	if err != nil {
		return err
	}
	return conn.layoutRegisters()
}

// layoutRegisters assigns register numbers and offsets inside the 'g'
// reply, registers are packed in regnum order.
func (conn *gdbConn) layoutRegisters() error {
	var offset int
	var pcFound, spFound, cr3Found bool
	regnum := 0
	for i := range conn.regsInfo {
		if conn.regsInfo[i].Regnum == 0 {
			conn.regsInfo[i].Regnum = regnum
		} else {
			regnum = conn.regsInfo[i].Regnum
		}
		conn.regsInfo[i].Offset = offset
		offset += conn.regsInfo[i].Bitsize / 8
		switch conn.regsInfo[i].Name {
		case regnamePC:
			pcFound = true
		case regnameSP:
			spFound = true
		case regnameCR3:
			cr3Found = true
		}
		regnum++
	}
	conn.regsSize = offset
	if !pcFound {
		return errors.New("could not find RIP register")
	}
	if !spFound {
		return errors.New("could not find RSP register")
	}
	if !cr3Found {
		return errors.New("could not find CR3 register, the stub does not describe system registers")
	}
	return nil
}

func (conn *gdbConn) readAnnex(annex string) ([]gdbRegisterInfo, error) {
	tgtbuf, err := conn.qXfer("features", annex)
	if err != nil {
		return nil, err
	}
	var tgt gdbTarget
	if err := xml.Unmarshal(tgtbuf, &tgt); err != nil {
		return nil, fmt.Errorf("%s: %w", annex, err)
	}

	regs := tgt.Registers
	for _, f := range tgt.Features {
		regs = append(regs, f.Registers...)
	}
	for _, incl := range tgt.Includes {
		inc, err := conn.readAnnex(incl.Href)
		if err != nil {
			return nil, err
		}
		regs = append(regs, inc...)
	}
	return regs, nil
}

// qXfer executes a 'qXfer' read with the specified kind (i.e. feature,
// exec-file, etc...) and annex.
func (conn *gdbConn) qXfer(kind, annex string) ([]byte, error) {
	out := []byte{}
	for {
		cmd := []byte(fmt.Sprintf("$qXfer:%s:read:%s:%x,%x", kind, annex, len(out), conn.packetSize-4))
		err := conn.send(cmd)
		if err != nil {
			return nil, err
		}
		buf, err := conn.recv(cmd, "target features transfer", true)
		if err != nil {
			return nil, err
		}

		out = append(out, buf[1:]...)
		if buf[0] == 'l' {
			break
		}
		if buf[0] != 'm' {
			return nil, fmt.Errorf("malformed qXfer reply %q", buf[:1])
		}
	}
	return out, nil
}

// queryThreads executes qfThreadInfo/qsThreadInfo and returns all thread
// IDs. QEMU reports one thread per VCPU.
func (conn *gdbConn) queryThreads() ([]string, error) {
	var threads []string
	first := true
	for {
		// https://sourceware.org/gdb/onlinedocs/gdb/General-Query-Packets.html
		conn.outbuf.Reset()
		if first {
			conn.outbuf.WriteString("$qfThreadInfo")
		} else {
			conn.outbuf.WriteString("$qsThreadInfo")
		}
		first = false

		resp, err := conn.exec(conn.outbuf.Bytes(), "thread info")
		if err != nil {
			return nil, err
		}

		switch resp[0] {
		case 'l':
			return threads, nil
		case 'm':
			// parse list...
		default:
			return nil, errors.New("malformed qfThreadInfo response")
		}

		for _, tid := range bytes.Split(resp[1:], []byte{','}) {
			threads = append(threads, string(tid))
		}
	}
}

func (conn *gdbConn) selectThread(kind byte, threadID string, context string) error {
	conn.outbuf.Reset()
	fmt.Fprintf(&conn.outbuf, "$H%c%s", kind, threadID)
	_, err := conn.exec(conn.outbuf.Bytes(), context)
	return err
}

// readRegisters executes a 'g' command for threadID and hex decodes the
// reply into data. Registers the stub can not provide ('xx') read as 0.
func (conn *gdbConn) readRegisters(threadID string, data []byte) error {
	if err := conn.selectThread('g', threadID, "registers read"); err != nil {
		return err
	}
	resp, err := conn.exec([]byte("$g"), "registers read")
	if err != nil {
		return err
	}
	if len(resp)/2 < len(data) {
		return fmt.Errorf("short registers reply: %d bytes, want %d", len(resp)/2, len(data))
	}
	for i := range data {
		n, _ := strconv.ParseUint(string(resp[i*2:i*2+2]), 16, 8)
		data[i] = uint8(n)
	}
	return nil
}

// readMemory executes 'm' commands, split so that every reply fits in a
// packet.
func (conn *gdbConn) readMemory(data []byte, addr uint64) error {
	size := len(data)
	data = data[:0]

	for size > 0 {
		conn.outbuf.Reset()

		sz := size
		if dataSize := (conn.packetSize - 4) / 2; sz > dataSize {
			sz = dataSize
		}
		size = size - sz

		fmt.Fprintf(&conn.outbuf, "$m%x,%x", addr+uint64(len(data)), sz)
		resp, err := conn.exec(conn.outbuf.Bytes(), "memory read")
		if err != nil {
			return err
		}
		if len(resp) != sz*2 {
			return fmt.Errorf("memory read at %#x: got %d bytes, want %d", addr+uint64(len(data)), len(resp)/2, sz)
		}

		for i := 0; i < len(resp); i += 2 {
			n, err := strconv.ParseUint(string(resp[i:i+2]), 16, 8)
			if err != nil {
				return fmt.Errorf("memory read at %#x: malformed reply: %w", addr, err)
			}
			data = append(data, uint8(n))
		}
	}
	return nil
}

func writeASCIIBytes(w *bytes.Buffer, data []byte) {
	for _, b := range data {
		w.WriteByte(hexdigit[b>>4])
		w.WriteByte(hexdigit[b&0xf])
	}
}

// writeMemory executes 'M' commands, split so that every request fits in a
// packet.
func (conn *gdbConn) writeMemory(addr uint64, data []byte) error {
	// room for "$M", the address, the length, ':' and the checksum
	chunk := (conn.packetSize - 40) / 2
	for len(data) > 0 {
		sz := len(data)
		if sz > chunk {
			sz = chunk
		}
		conn.outbuf.Reset()
		fmt.Fprintf(&conn.outbuf, "$M%x,%x:", addr, sz)
		writeASCIIBytes(&conn.outbuf, data[:sz])
		if _, err := conn.exec(conn.outbuf.Bytes(), "memory write"); err != nil {
			return err
		}
		addr += uint64(sz)
		data = data[sz:]
	}
	return nil
}

// qemuPhysicalMode switches 'm' and 'M' to physical addresses.
func (conn *gdbConn) qemuPhysicalMode() error {
	_, err := conn.exec([]byte("$Qqemu.PhyMemMode:1"), "physical memory mode")
	return err
}

const ctrlC = 0x03 // the ASCII character for ^C

// interrupt stops the guest and waits for the stop reply.
func (conn *gdbConn) interrupt() error {
	conn.log.Debug("<- interrupt")
	if _, err := conn.conn.Write([]byte{ctrlC}); err != nil {
		return err
	}
	resp, err := conn.recv(nil, "interrupt", false)
	if err != nil {
		return err
	}
	switch resp[0] {
	case 'T', 'S':
		return nil
	case 'W', 'X':
		return fmt.Errorf("guest exited: %s", resp)
	}
	return fmt.Errorf("unexpected stop reply %q", resp)
}

// resume continues all VCPUs. The stub answers with a stop reply only when
// the guest stops again, so no reply is read here.
func (conn *gdbConn) resume() error {
	return conn.send([]byte("$vCont;c"))
}

// exec executes a message to the stub and reads a response.
// The details of the wire protocol are described here:
//  https://sourceware.org/gdb/onlinedocs/gdb/Overview.html#Overview
func (conn *gdbConn) exec(cmd []byte, context string) ([]byte, error) {
	if err := conn.send(cmd); err != nil {
		return nil, err
	}
	return conn.recv(cmd, context, false)
}

var hexdigit = []byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

func (conn *gdbConn) send(cmd []byte) error {
	if len(cmd) == 0 || cmd[0] != '$' {
		panic("gdb protocol error: command doesn't start with '$'")
	}

	// append checksum to packet
	cmd = append(cmd, '#')
	sum := checksum(cmd)
	cmd = append(cmd, hexdigit[sum>>4], hexdigit[sum&0xf])

	attempt := 0
	for {
		if logflags.GdbWire() {
			if len(cmd) > gdbWireMaxLen {
				conn.log.Debugf("<- %s...", string(cmd[:gdbWireMaxLen]))
			} else {
				conn.log.Debugf("<- %s", string(cmd))
			}
		}
		_, err := conn.conn.Write(cmd)
		if err != nil {
			return err
		}

		if !conn.ack {
			break
		}

		if conn.readack() {
			break
		}
		if attempt > maxTransmitAttempts {
			return ErrTooManyAttempts
		}
		attempt++
	}
	return nil
}

func (conn *gdbConn) recv(cmd []byte, context string, binary bool) (resp []byte, err error) {
	var csum [2]byte
	attempt := 0
	for {
		var err error
		resp, err = conn.rdr.ReadBytes('#')
		if err != nil {
			return nil, err
		}
		// skip anything before the start of the packet, like stray acks
		if start := bytes.IndexAny(resp, "$%"); start > 0 {
			resp = resp[start:]
		}

		// read checksum
		if _, err = io.ReadFull(conn.rdr, csum[:]); err != nil {
			return nil, err
		}
		if logflags.GdbWire() {
			out := resp
			partial := false
			if len(out) > gdbWireMaxLen {
				out = out[:gdbWireMaxLen]
				partial = true
			}
			if !partial {
				conn.log.Debugf("-> %s%s", string(resp), string(csum[:]))
			} else {
				conn.log.Debugf("-> %s...", string(out))
			}
		}

		if resp[0] == '%' {
			// Notification packet, we never asked for notifications so it
			// is safe to ignore.
			continue
		}

		if !conn.ack {
			break
		}

		if checksumok(resp, csum[:]) {
			conn.sendack('+')
			break
		}
		if attempt > maxTransmitAttempts {
			conn.sendack('+')
			return nil, ErrTooManyAttempts
		}
		attempt++
		conn.sendack('-')
	}

	if binary {
		conn.inbuf, resp = binarywiredecode(resp, conn.inbuf)
	} else {
		conn.inbuf, resp = wiredecode(resp, conn.inbuf)
	}

	if len(resp) == 0 || (resp[0] == 'E' && len(resp) == 3) {
		cmdstr := ""
		if cmd != nil {
			cmdstr = string(cmd)
		}
		return nil, &GdbProtocolError{context, cmdstr, string(resp)}
	}

	return resp, nil
}

// readack reads one byte from stub, returns true if the byte is '+'
func (conn *gdbConn) readack() bool {
	b, err := conn.rdr.ReadByte()
	if err != nil {
		return false
	}
	conn.log.Debugf("-> %s", string(b))
	return b == '+'
}

// sendack executes an ack character, c must be either '+' or '-'
func (conn *gdbConn) sendack(c byte) {
	if c != '+' && c != '-' {
		panic(fmt.Errorf("sendack(%c)", c))
	}
	conn.conn.Write([]byte{c})
	conn.log.Debugf("<- %s", string(c))
}

// escapeXor is the value the GDB remote protocol uses to escape characters
const escapeXor byte = 0x20

// wiredecode decodes the contents of in into buf, expanding run length
// encoded sequences.
// If buf is nil it will be allocated ex-novo, if the size of buf is not
// enough to hold the decoded contents it will be grown.
// Returns the newly allocated buffer as newbuf and the message contents as
// msg.
func wiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		case '*': // runlength encoding marker
			if i+1 >= len(in) || len(buf) <= start {
				buf = append(buf, ch)
			} else {
				n := in[i+1] - 29
				r := buf[len(buf)-1]
				for j := uint8(0); j < n; j++ {
					buf = append(buf, r)
				}
				i++
			}
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// binarywiredecode is like wiredecode but decodes the wire encoding for
// binary packets, such as qXfer replies, where '*' is not special.
func binarywiredecode(in, buf []byte) (newbuf, msg []byte) {
	if buf != nil {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, 256)
	}

	start := 1

	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}': // escape
			if i+1 >= len(in) {
				buf = append(buf, ch)
			} else {
				buf = append(buf, in[i+1]^escapeXor)
				i++
			}
		case '#': // end of packet
			return buf, buf[start:]
		default:
			buf = append(buf, ch)
		}
	}
	return buf, buf[start:]
}

// checksumok checks that checksum is a valid checksum for packet.
func checksumok(packet, checksumBuf []byte) bool {
	if packet[0] != '$' {
		return false
	}

	sum := checksum(packet)
	tgt, err := strconv.ParseUint(string(checksumBuf), 16, 8)
	if err != nil {
		return false
	}
	return sum == uint8(tgt)
}

func checksum(packet []byte) (sum uint8) {
	for i := 1; i < len(packet); i++ {
		if packet[i] == '#' {
			return sum
		}
		sum += packet[i]
	}
	return sum
}
