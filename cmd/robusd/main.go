// Robusd runs a single robus node over a real RS-485 UART, bridging it to
// two PTP GPIO lines for topology detection. It creates one demo service
// that echoes whatever it receives back to its sender and logs node-id
// assignment as topology detection completes.
package main

import (
	"flag"
	"time"

	goserial "github.com/daedaluz/goserial"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/ardwin/robus"
	"github.com/ardwin/robus/frame"
	"github.com/ardwin/robus/robuscore"
)

var (
	device   = flag.String("device", "/dev/ttyUSB0", "RS-485 UART device")
	ptpA     = flag.String("ptp0", "GPIO17", "PTP GPIO line for port 0")
	ptpB     = flag.String("ptp1", "GPIO27", "PTP GPIO line for port 1")
	baudrate = flag.Uint("baud", robus.DefaultBaudrate, "initial UART baudrate")
)

func main() {
	flag.Parse()
	log := logrus.New()

	if _, err := host.Init(); err != nil {
		log.WithError(err).Fatal("failed to init host drivers")
	}

	port, err := newSerialPort(*device, uint32(*baudrate), *ptpA, *ptpB)
	if err != nil {
		log.WithError(err).Fatal("failed to open serial port")
	}
	defer port.Close()

	cfg := robuscore.Config{FrameTimeoutMS: 20}
	cfg.Transmission.EchoWait = 5 * time.Millisecond
	cfg.Transmission.AckWait = 20 * time.Millisecond

	core := robuscore.New(port, cfg, log)
	echoIdx, err := core.CreateService(echoServiceType)
	if err != nil {
		log.WithError(err).Fatal("failed to create echo service")
	}
	core.SetMessageHandler(func(h frame.Header, data []byte, serviceIdx int) {
		if serviceIdx != echoIdx {
			return
		}
		if err := core.Send(echoIdx, robus.TargetNodeID, h.Source, h.Cmd, data); err != nil {
			log.WithError(err).Warn("echo reply failed")
		}
	})

	go port.readLoop(core)

	log.Info("starting topology detection")
	if _, err := core.StartTopologyDetection(nil); err != nil {
		log.WithError(err).Error("topology detection did not complete")
	} else {
		log.WithField("node_id", core.NodeID()).Info("topology detection complete")
	}

	for {
		core.Loop()
		time.Sleep(time.Millisecond)
	}
}

const echoServiceType = 1

// serialPort implements robus.Port on top of a Linux termios UART put into
// RS485 half-duplex mode, with two periph.io GPIO lines standing in for the
// PTP branches used only during topology detection.
type serialPort struct {
	uart  *goserial.Port
	ptps  [robus.NbrPort]*ptpLine
	start time.Time
}

func newSerialPort(device string, baud uint32, ptpNames ...string) (*serialPort, error) {
	opts := goserial.NewOptions()
	u, err := goserial.Open(device, opts)
	if err != nil {
		return nil, err
	}

	p := &serialPort{uart: u, start: time.Now()}
	if err := p.SetBaudrate(baud); err != nil {
		u.Close()
		return nil, err
	}
	if err := u.SetRS485(&goserial.RS485{
		Flags: goserial.RS485Enabled | goserial.RS485RTSOnSend,
	}); err != nil {
		u.Close()
		return nil, err
	}

	for i, name := range ptpNames {
		if i >= robus.NbrPort {
			break
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			u.Close()
			return nil, errPTPLineNotFound(name)
		}
		p.ptps[i] = &ptpLine{pin: pin}
	}
	return p, nil
}

func (p *serialPort) Close() error { return p.uart.Close() }

func (p *serialPort) Init() error { return nil }

func (p *serialPort) WriteByte(b byte) error {
	_, err := p.uart.Write([]byte{b})
	return err
}

// EnableTX/EnableRX are no-ops here: RS485RTSOnSend in the termios RS485
// config set by newSerialPort already drives RTS automatically around each Write, which is
// the kernel's own half-duplex direction control.
func (p *serialPort) EnableTX() {}
func (p *serialPort) EnableRX() {}

func (p *serialPort) LineBusy() bool { return false }

func (p *serialPort) CRC16(seed uint16, data []byte) uint16 {
	return frame.DefaultCRC16(seed, data)
}

func (p *serialPort) SystickMillis() uint64 {
	return uint64(time.Since(p.start) / time.Millisecond)
}

func (p *serialPort) SetBaudrate(baud uint32) error {
	attrs, err := p.uart.GetAttr2()
	if err != nil {
		return err
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(baud)
	return p.uart.SetAttr2(goserial.TCSANOW, attrs)
}

func (p *serialPort) PTP(port int) robus.PTPLine {
	if port < 0 || port >= robus.NbrPort || p.ptps[port] == nil {
		return noopPTPLine{}
	}
	return p.ptps[port]
}

// readLoop feeds every byte read off the UART into core's reception FSM; it
// blocks in uart.Read and is meant to run in its own goroutine for the life
// of the process.
func (p *serialPort) readLoop(core *robuscore.Core) {
	buf := make([]byte, 256)
	for {
		n, err := p.uart.Read(buf)
		if err != nil {
			return
		}
		for _, b := range buf[:n] {
			core.PushByte(b)
		}
	}
}

// ptpLine adapts a periph.io gpio.PinIO to robus.PTPLine.
type ptpLine struct {
	pin gpio.PinIO
}

func (l *ptpLine) Set(level bool) {
	_ = l.pin.Out(gpio.Level(level))
}

func (l *ptpLine) Read() bool {
	return bool(l.pin.Read())
}

func (l *ptpLine) OnRisingEdge(cb func()) {
	if cb == nil {
		return
	}
	if err := l.pin.In(gpio.PullNoChange, gpio.RisingEdge); err != nil {
		return
	}
	go func() {
		for l.pin.WaitForEdge(-1) {
			cb()
		}
	}()
}

type noopPTPLine struct{}

func (noopPTPLine) Set(bool)            {}
func (noopPTPLine) Read() bool          { return false }
func (noopPTPLine) OnRisingEdge(func()) {}

type errPTPLineNotFound string

func (e errPTPLineNotFound) Error() string { return "robusd: PTP line not found: " + string(e) }
