// Package slcan implements the Lawicel "slcan" ASCII protocol over a
// serial link (github.com/tarm/serial), for CAN adapters that speak it
// (e.g. most USB-CAN dongles running slcan firmware).
package slcan

import (
	"bufio"
	"fmt"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/mbergman/godocan"
)

const (
	defaultBaud = 115200
	// standardIDDigits/extendedIDDigits are the hex-digit widths slcan
	// uses for 11-bit vs. 29-bit identifiers.
	standardIDDigits = 3
	extendedIDDigits = 8
)

// Bus is a docan.Bus over an slcan-speaking serial adapter. It only
// carries classical CAN frames; CAN-FD has no slcan encoding.
type Bus struct {
	port   *serial.Port
	reader *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	listener docan.FrameListener
	sent     docan.FrameSentListener

	stop chan struct{}
}

// New opens portName (e.g. "/dev/ttyUSB0") at the slcan adapter's
// default baud rate. It satisfies docan.NewBusFunc.
func New(portName string) (docan.Bus, error) {
	port, err := serial.OpenPort(&serial.Config{Name: portName, Baud: defaultBaud})
	if err != nil {
		return nil, err
	}
	return &Bus{port: port, reader: bufio.NewReader(port), stop: make(chan struct{})}, nil
}

func init() {
	docan.RegisterBus("slcan", New)
}

// Connect opens the CAN channel (slcan "O" command) and starts the
// read loop.
func (b *Bus) Connect() error {
	if _, err := b.port.Write([]byte("O\r")); err != nil {
		return err
	}
	go b.readLoop()
	return nil
}

// Disconnect closes the CAN channel (slcan "C" command) and the serial
// port.
func (b *Bus) Disconnect() error {
	close(b.stop)
	_, _ = b.port.Write([]byte("C\r"))
	return b.port.Close()
}

// Send encodes frame as an slcan "t"/"T" command and writes it to the
// serial port. slcan gives no separate TX-done notification, so the
// registered FrameSentListener is invoked synchronously once the write
// succeeds.
func (b *Bus) Send(frame docan.Frame) error {
	line := encodeFrame(frame)

	b.writeMu.Lock()
	_, err := b.port.Write(line)
	b.writeMu.Unlock()
	if err != nil {
		return err
	}

	b.mu.Lock()
	sent := b.sent
	b.mu.Unlock()
	if sent != nil {
		sent.FrameSent(frame)
	}
	return nil
}

// Subscribe registers listener for frames decoded off the serial link.
func (b *Bus) Subscribe(listener docan.FrameListener) error {
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	return nil
}

// SubscribeSent registers listener, invoked synchronously from Send.
func (b *Bus) SubscribeSent(listener docan.FrameSentListener) error {
	b.mu.Lock()
	b.sent = listener
	b.mu.Unlock()
	return nil
}

func (b *Bus) readLoop() {
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		line, err := b.reader.ReadString('\r')
		if err != nil {
			log.WithField("error", err).Warn("[DOCAN][SLCAN] read loop stopped")
			return
		}
		frame, ok := decodeFrame(line)
		if !ok {
			continue
		}
		b.mu.Lock()
		listener := b.listener
		b.mu.Unlock()
		if listener != nil {
			listener.Handle(frame)
		}
	}
}

// encodeFrame builds an slcan "tIIIDd...\r" (standard) or
// "TIIIIIIIIDd...\r" (extended) command line.
func encodeFrame(frame docan.Frame) []byte {
	extended := frame.ID&docan.CanEffFlag != 0 || frame.ID > docan.CanSffMask
	id := frame.ID & docan.CanEffMask

	var line string
	if extended {
		line = fmt.Sprintf("T%08X%d", id, frame.DLC)
	} else {
		line = fmt.Sprintf("t%03X%d", id&docan.CanSffMask, frame.DLC)
	}
	for i := 0; i < int(frame.DLC); i++ {
		line += fmt.Sprintf("%02X", frame.Data[i])
	}
	return []byte(line + "\r")
}

// decodeFrame parses an slcan "t"/"T" line into a Frame; any other
// line (status responses, acks) is not a data frame.
func decodeFrame(line string) (docan.Frame, bool) {
	line = trimCR(line)
	if len(line) == 0 {
		return docan.Frame{}, false
	}

	var idDigits int
	switch line[0] {
	case 't':
		idDigits = standardIDDigits
	case 'T':
		idDigits = extendedIDDigits
	default:
		return docan.Frame{}, false
	}
	if len(line) < 1+idDigits+1 {
		return docan.Frame{}, false
	}

	id, err := strconv.ParseUint(line[1:1+idDigits], 16, 32)
	if err != nil {
		return docan.Frame{}, false
	}
	dlc, err := strconv.ParseUint(line[1+idDigits:2+idDigits], 16, 8)
	if err != nil || dlc > docan.MaxClassicalPayload {
		return docan.Frame{}, false
	}

	dataStart := 2 + idDigits
	if len(line) < dataStart+int(dlc)*2 {
		return docan.Frame{}, false
	}
	frame := docan.NewFrame(uint32(id), uint8(dlc), false)
	for i := 0; i < int(dlc); i++ {
		b, err := strconv.ParseUint(line[dataStart+i*2:dataStart+i*2+2], 16, 8)
		if err != nil {
			return docan.Frame{}, false
		}
		frame.Data[i] = byte(b)
	}
	return frame, true
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
