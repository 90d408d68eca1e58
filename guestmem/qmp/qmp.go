// Package qmp implements guestmem.Provider over a QEMU QMP Unix domain
// socket, wrapping "human-monitor-command" pass-throughs for both
// register reads and memory reads (spec.md §4.A QmpSocket). QMP frames
// are real JSON, so the embedded HMP output's \r\n escapes are decoded
// for free by encoding/json rather than hand-scanned the way the
// original C client had to, since it worked on raw, unparsed socket
// bytes (qmp_client.c:qmp_populate_mem).
package qmp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kvmdmesg/dmesg-extract/guestmem"
)

const (
	greetingPrefix  = `{"QMP":`
	enterCommandMsg = `{ "execute": "qmp_capabilities" }`
	commandModeOK   = `"return": {}`

	// idlePollMillis is the poll timeout the original's qmp_read loop
	// uses to decide a response has finished arriving: once a poll
	// returns no ready events within this window, the frame is
	// considered complete (qmp_client.c:qmp_read). Fragile under host
	// load — kept verbatim, see spec.md §9 open questions.
	idlePollMillis = 5
)

// Provider is a guestmem.Provider backed by a live QMP connection.
type Provider struct {
	conn *net.UnixConn
	pid  int
	havePID bool
}

// Dial connects to a QMP Unix domain socket at path, performs the
// greeting/capabilities handshake, and attempts to resolve the owning
// QEMU process id for diagnostics.
func Dial(path string) (*Provider, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", guestmem.ErrTransport, path, err)
	}

	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", guestmem.ErrTransport, path, err)
	}

	p := &Provider{conn: conn}

	if err := p.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	if pid, ok := guestmem.LookupPIDForSocket(path); ok {
		p.pid, p.havePID = pid, true
	}

	return p, nil
}

func (p *Provider) handshake() error {
	greeting, err := p.readFrame()
	if err != nil {
		return fmt.Errorf("%w: reading QMP greeting: %v", guestmem.ErrTransport, err)
	}

	if !bytes.Contains(greeting, []byte(greetingPrefix)) {
		return fmt.Errorf("%w: no QMP greeting on connect", guestmem.ErrTransport)
	}

	if _, err := p.conn.Write([]byte(enterCommandMsg)); err != nil {
		return fmt.Errorf("%w: sending qmp_capabilities: %v", guestmem.ErrTransport, err)
	}

	resp, err := p.readFrame()
	if err != nil {
		return fmt.Errorf("%w: reading qmp_capabilities reply: %v", guestmem.ErrTransport, err)
	}

	if !bytes.Contains(resp, []byte(commandModeOK)) {
		return fmt.Errorf("%w: qmp_capabilities not acknowledged: %s", guestmem.ErrTransport, resp)
	}

	return nil
}

// readFrame drains the socket by polling with a short idle timeout,
// mirroring qmp_client.c:qmp_read: keep reading while data keeps
// arriving, stop the first time a poll finds nothing ready.
func (p *Provider) readFrame() ([]byte, error) {
	raw, err := p.conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	tmp := make([]byte, 1024)

	for {
		var nReady int
		var pollErr error

		ctrlErr := raw.Control(func(fd uintptr) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			nReady, pollErr = unix.Poll(fds, idlePollMillis)
		})
		if ctrlErr != nil {
			return nil, ctrlErr
		}

		if pollErr != nil {
			return nil, pollErr
		}

		if nReady == 0 {
			break
		}

		p.conn.SetReadDeadline(time.Now().Add(idlePollMillis * time.Millisecond))

		n, err := p.conn.Read(tmp)
		if n > 0 {
			out.Write(tmp[:n])
		}

		if err != nil {
			break
		}
	}

	return out.Bytes(), nil
}

type hmpCommand struct {
	Execute   string `json:"execute"`
	Arguments struct {
		CommandLine string `json:"command-line"`
	} `json:"arguments"`
}

type hmpResponse struct {
	Return string `json:"return"`
}

func (p *Provider) humanMonitorCommand(line string) (string, error) {
	cmd := hmpCommand{Execute: "human-monitor-command"}
	cmd.Arguments.CommandLine = line

	req, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: encoding HMP command: %v", guestmem.ErrTransport, err)
	}

	if _, err := p.conn.Write(req); err != nil {
		return "", fmt.Errorf("%w: writing HMP command: %v", guestmem.ErrTransport, err)
	}

	raw, err := p.readFrame()
	if err != nil {
		return "", fmt.Errorf("%w: reading HMP response: %v", guestmem.ErrTransport, err)
	}

	var resp hmpResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("%w: decoding HMP response %q: %v", guestmem.ErrTransport, raw, err)
	}

	return resp.Return, nil
}

var regField = func(key string) *regexp.Regexp {
	return regexp.MustCompile(key + `\s*=\s*([0-9a-fA-F]+)`)
}

// Registers implements guestmem.Provider by issuing "info registers"
// and scanning the returned text for the CR3/CR4/IDT fields, matching
// qmp_client.c:qmp_get_registers. QEMU's HMP output names the IDT
// register field "IDT", not "IDTR".
func (p *Provider) Registers() (guestmem.Registers, error) {
	text, err := p.humanMonitorCommand("info registers")
	if err != nil {
		return guestmem.Registers{}, err
	}

	cr3, ok := hexField(text, "CR3")
	if !ok {
		return guestmem.Registers{}, fmt.Errorf("%w: CR3 not found in register dump", guestmem.ErrTransport)
	}

	idt, ok := hexField(text, "IDT")
	if !ok {
		return guestmem.Registers{}, fmt.Errorf("%w: IDT not found in register dump", guestmem.ErrTransport)
	}

	cr4, _ := hexField(text, "CR4")

	return guestmem.Registers{CR3: cr3, IDTR: idt, CR4: cr4}, nil
}

func hexField(text, key string) (uint64, bool) {
	m := regField(key).FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}

	v, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

var reByte = regexp.MustCompile(`0x([0-9a-fA-F]{2})\b`)

// readAt services one atomic read of up to guestmem.PageSize bytes via
// a single "xp /Nxb 0xADDR" HMP command, matching
// qmp_client.c:qmp_readmem_part.
func (p *Provider) readAt(paddr uint64, buf []byte) error {
	cmd := fmt.Sprintf("xp /%dxb 0x%x", len(buf), paddr)

	text, err := p.humanMonitorCommand(cmd)
	if err != nil {
		return err
	}

	matches := reByte.FindAllStringSubmatch(text, -1)
	if len(matches) < len(buf) {
		return fmt.Errorf("%w: xp returned %d bytes, wanted %d", guestmem.ErrShortRead, len(matches), len(buf))
	}

	for i := range buf {
		v, err := strconv.ParseUint(matches[i][1], 16, 8)
		if err != nil {
			return fmt.Errorf("%w: parsing xp byte: %v", guestmem.ErrTransport, err)
		}

		buf[i] = byte(v)
	}

	return nil
}

// ReadPhys implements guestmem.Provider, chunking larger requests into
// page-sized "xp" commands per the chunking invariant.
func (p *Provider) ReadPhys(paddr uint64, buf []byte) error {
	return guestmem.ChunkedRead(paddr, buf, p.readAt)
}

func (p *Provider) Kind() guestmem.AccessKind { return guestmem.AccessQMP }

func (p *Provider) PID() (int, bool) { return p.pid, p.havePID }

func (p *Provider) Close() error {
	return p.conn.Close()
}
