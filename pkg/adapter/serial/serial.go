// Package serial is a wired transport over serial and USB CDC ports.
//
// Every port is a device with exactly one application channel. A reader
// goroutine per open port delivers received chunks as they arrive; a read
// error the host did not cause is reported as link loss.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// UIDPrefix starts every device UID minted by this transport.
const UIDPrefix = "serial:"

// App is the only application handle a port carries.
const App adapter.ApplicationHandle = 1

// Config selects ports and line settings.
type Config struct {
	Ports      []string `yaml:"ports"`    // path.Match patterns, empty for all
	USBOnly    bool     `yaml:"usb_only"` // skip ports without USB details
	BaudRate   int      `yaml:"baud_rate"`
	DataBits   int      `yaml:"data_bits"`
	Parity     string   `yaml:"parity"`    // none, odd, even, mark, space
	StopBits   string   `yaml:"stop_bits"` // 1, 1.5, 2
	ReadBuffer int      `yaml:"read_buffer"`
}

// DefaultConfig is 115200 8N1 on every port.
func DefaultConfig() Config {
	return Config{
		BaudRate:   115200,
		DataBits:   8,
		Parity:     "none",
		StopBits:   "1",
		ReadBuffer: 4096,
	}
}

var parities = map[string]serial.Parity{
	"none":  serial.NoParity,
	"odd":   serial.OddParity,
	"even":  serial.EvenParity,
	"mark":  serial.MarkParity,
	"space": serial.SpaceParity,
}

var stopBits = map[string]serial.StopBits{
	"1":   serial.OneStopBit,
	"1.5": serial.OnePointFiveStopBits,
	"2":   serial.TwoStopBits,
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.BaudRate <= 0 {
		return errors.New("serial: baud_rate must be > 0")
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("serial: data_bits must be 5-8, got %d", c.DataBits)
	}
	if _, ok := parities[c.Parity]; !ok {
		return fmt.Errorf("serial: unknown parity %q", c.Parity)
	}
	if _, ok := stopBits[c.StopBits]; !ok {
		return fmt.Errorf("serial: unknown stop_bits %q", c.StopBits)
	}
	if c.ReadBuffer <= 0 {
		return errors.New("serial: read_buffer must be > 0")
	}
	for _, p := range c.Ports {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("serial: port pattern %q: %w", p, err)
		}
	}
	return nil
}

func (c Config) mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   parities[c.Parity],
		StopBits: stopBits[c.StopBits],
	}
}

func (c Config) wants(name string) bool {
	if len(c.Ports) == 0 {
		return true
	}
	for _, p := range c.Ports {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

type (
	lister func() ([]*enumerator.PortDetails, error)
	opener func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)
)

func openPort(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// line is an open port and its reader.
type line struct {
	port    io.ReadWriteCloser
	closing bool
	done    chan struct{}
}

// Driver implements adapter.Driver on the host's serial ports.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	list   lister
	open   opener

	mu    sync.Mutex
	sink  adapter.Sink
	lines map[string]*line
}

var (
	_ adapter.Driver  = (*Driver)(nil)
	_ adapter.Starter = (*Driver)(nil)
	_ adapter.Stopper = (*Driver)(nil)
)

// New creates a serial driver. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.With("transport", "serial"),
		list:   enumerator.GetDetailedPortsList,
		open:   openPort,
		lines:  make(map[string]*line),
	}
}

// UID returns the device UID for a port name.
func UID(port string) adapter.DeviceUID { return adapter.DeviceUID(UIDPrefix + port) }

func portName(dev adapter.Device) string {
	if dev.Address != "" {
		return dev.Address
	}
	return strings.TrimPrefix(string(dev.UID), UIDPrefix)
}

// Start implements adapter.Starter.
func (d *Driver) Start(ctx context.Context, sink adapter.Sink) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return nil
}

// Stop implements adapter.Stopper. Open ports are closed and their readers
// drained.
func (d *Driver) Stop() error {
	d.mu.Lock()
	lines := d.lines
	d.lines = make(map[string]*line)
	for _, l := range lines {
		l.closing = true
	}
	d.sink = nil
	d.mu.Unlock()

	var errs []error
	for name, l := range lines {
		if err := l.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		<-l.done
	}
	return errors.Join(errs...)
}

// Scan implements adapter.Driver.
func (d *Driver) Scan(ctx context.Context) ([]adapter.Device, error) {
	ports, err := d.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	out := make([]adapter.Device, 0, len(ports))
	for _, p := range ports {
		if !d.cfg.wants(p.Name) || (d.cfg.USBOnly && !p.IsUSB) {
			continue
		}
		dev := adapter.Device{
			UID:     UID(p.Name),
			Name:    p.Name,
			Type:    "serial",
			Address: p.Name,
		}
		if p.IsUSB {
			if p.Product != "" {
				dev.Name = p.Product
			}
			dev.Metadata = map[string]string{
				"vid":    p.VID,
				"pid":    p.PID,
				"serial": p.SerialNumber,
			}
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Open implements adapter.Driver.
func (d *Driver) Open(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	if app != App {
		return fmt.Errorf("serial app %d: %w", app, adapter.ErrApplicationNotFound)
	}
	name := portName(dev)

	p, err := d.open(name, d.cfg.mode())
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortBusy {
			return fmt.Errorf("open %s: %w: %w", name, adapter.ErrRejectedByPeer, err)
		}
		return fmt.Errorf("open %s: %w: %w", name, adapter.ErrUnreachable, err)
	}

	l := &line{port: p, done: make(chan struct{})}
	d.mu.Lock()
	if d.sink == nil {
		d.mu.Unlock()
		p.Close()
		return fmt.Errorf("open %s: driver stopped", name)
	}
	d.lines[name] = l
	d.mu.Unlock()

	go d.read(dev.UID, name, l)
	d.logger.Debug("port open", "port", name, "baud", d.cfg.BaudRate)
	return nil
}

func (d *Driver) read(uid adapter.DeviceUID, name string, l *line) {
	defer close(l.done)
	buf := make([]byte, d.cfg.ReadBuffer)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			d.mu.Lock()
			sink := d.sink
			d.mu.Unlock()
			if sink != nil {
				sink.Received(uid, App, append([]byte(nil), buf[:n]...))
			}
		}
		if err == nil {
			continue
		}

		d.mu.Lock()
		expected := l.closing
		if !expected && d.lines[name] == l {
			delete(d.lines, name)
		}
		sink := d.sink
		d.mu.Unlock()

		if expected || sink == nil {
			return
		}
		l.port.Close()
		d.logger.Warn("port lost", "port", name, "error", err)
		sink.Lost(uid, App, fmt.Errorf("read %s: %w: %w", name, adapter.ErrLinkLost, err))
		return
	}
}

// Close implements adapter.Driver.
func (d *Driver) Close(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	name := portName(dev)
	if app != App {
		return fmt.Errorf("serial app %d: %w", app, adapter.ErrApplicationNotFound)
	}

	d.mu.Lock()
	l := d.lines[name]
	if l != nil {
		l.closing = true
		delete(d.lines, name)
	}
	d.mu.Unlock()

	if l == nil {
		return fmt.Errorf("serial channel %s/%d: %w", name, app, adapter.ErrLinkLost)
	}
	err := l.port.Close()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Send implements adapter.Driver.
func (d *Driver) Send(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle, data []byte) error {
	name := portName(dev)

	d.mu.Lock()
	l := d.lines[name]
	d.mu.Unlock()

	if l == nil || app != App {
		return fmt.Errorf("serial channel %s/%d: %w", name, app, adapter.ErrLinkLost)
	}
	for len(data) > 0 {
		n, err := l.port.Write(data)
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		data = data[n:]
	}
	return nil
}
