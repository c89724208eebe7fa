package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// SerialConfig 串口参数。Port 为空时按 USB VID/PID 枚举查找。
type SerialConfig struct {
	Port           string
	VID            string
	PID            string
	BaudRate       int
	ReadTimeout    time.Duration
	VerifyChecksum bool
}

// Serial 基于 USB CDC 串口的传输
type Serial struct {
	cfg SerialConfig
	log *zap.Logger

	mu       sync.Mutex // 保护 port 与重新发现
	port     serial.Port
	detected atomic.Bool

	respC     chan sfc.Frame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// OnDrop 上行队列溢出回调（指标）
	OnDrop func()
}

// NewSerial 创建串口传输并尝试打开设备；打不开不算错误，下一次 Send 前会重新发现
func NewSerial(cfg SerialConfig, log *zap.Logger) *Serial {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}
	s := &Serial{
		cfg:   cfg,
		log:   log,
		respC: make(chan sfc.Frame, responseBuffer),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	if err := s.openLocked(); err != nil {
		log.Warn("sfc device not found", zap.Error(err))
	}
	s.mu.Unlock()
	return s
}

// discover 返回要打开的端口名
func (s *Serial) discover() (string, error) {
	if s.cfg.Port != "" {
		return s.cfg.Port, nil
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, s.cfg.VID) && strings.EqualFold(p.PID, s.cfg.PID) {
			return p.Name, nil
		}
	}
	return "", ErrNoDevice
}

func (s *Serial) openLocked() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	name, err := s.discover()
	if err != nil {
		return err
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}
	s.port = port
	s.detected.Store(true)
	s.log.Info("sfc device opened", zap.String("port", name))

	s.wg.Add(1)
	go s.readLoop(port)
	return nil
}

// lost 标记设备丢失；只处理当前端口
func (s *Serial) lost(port serial.Port, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != port {
		return
	}
	s.port = nil
	s.detected.Store(false)
	port.Close()
	s.log.Warn("sfc device lost", zap.Error(err))
}

func (s *Serial) readLoop(port serial.Port) {
	defer s.wg.Done()
	dec := sfc.NewStreamDecoder(s.cfg.VerifyChecksum)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			s.lost(port, err)
			return
		}
		if n == 0 {
			// 读超时
			continue
		}
		for _, f := range dec.Feed(buf[:n]) {
			s.log.Debug("sfc rx", zap.String("frame", f.Hex()))
			if deliver(s.respC, f) && s.OnDrop != nil {
				s.OnDrop()
			}
		}
	}
}

// Send 写入整帧
func (s *Serial) Send(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.port == nil {
		if err := s.openLocked(); err != nil {
			s.mu.Unlock()
			if errors.Is(err, ErrClosed) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}
	port := s.port
	s.mu.Unlock()

	s.log.Debug("sfc tx", zap.String("frame", fmt.Sprintf("%x", b)))
	for len(b) > 0 {
		n, err := port.Write(b)
		if err != nil {
			s.lost(port, err)
			return fmt.Errorf("write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (s *Serial) Responses() <-chan sfc.Frame { return s.respC }

func (s *Serial) DeviceDetected() bool { return s.detected.Load() }

// Close 关闭端口并等待读协程退出
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.port != nil {
			err = s.port.Close()
			s.port = nil
		}
		s.detected.Store(false)
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}
