package sfc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed 负载长度与命令码不符，调用方静默丢弃
	ErrMalformed = errors.New("malformed response")
	// ErrUnknownCommand 未登记的应答码
	ErrUnknownCommand = errors.New("unknown response command")
	// ErrNoReply GET_MCT485 返回空负载，从机尚未应答
	ErrNoReply = errors.New("no bus reply yet")
)

// Namer 名称表查询（nil 表示不翻译）
type Namer interface {
	TrackName(code byte) string
	ErrorName(code byte) string
	ParamName(num byte) string
}

// Reading 解码后的遥测值
type Reading interface {
	Kind() string
}

// DecodeRTD RTD 温度：十分之一度，bit15 为符号位（原码）
func DecodeRTD(v uint16) int {
	mag := int(v & 0x7FFF)
	if v&0x8000 != 0 {
		return -mag
	}
	return mag
}

// ===== USB 层读数 =====

// FieldStatus 场站状态与各串单元数
type FieldStatus struct {
	State byte   `json:"state"`
	Mode  byte   `json:"mode"`
	Units [4]int `json:"units"`
}

func (FieldStatus) Kind() string { return "field_state" }

// FCEIO FCE 开关量
type FCEIO struct {
	Inputs  uint16 `json:"inputs"`
	Outputs uint16 `json:"outputs"`
}

func (FCEIO) Kind() string { return "fce" }

// RTU 远程 I/O：开关量与 4 路模拟量
type RTU struct {
	Inputs  uint16    `json:"inputs"`
	Outputs uint16    `json:"outputs"`
	Analog  [4]uint16 `json:"analog"`
}

func (RTU) Kind() string { return "rtu" }

// SFCClimate 机箱温度（0.1℃）、湿度（0.1%）与干燥剂状态
type SFCClimate struct {
	TempDeci     int  `json:"tempDeci"`
	HumidityDeci int  `json:"humidityDeci"`
	Desiccant    byte `json:"desiccant"`
}

func (SFCClimate) Kind() string { return "desiccant" }

// StringInfo 串内单元数与单元标志
type StringInfo struct {
	String int    `json:"string"`
	Units  int    `json:"units"`
	Flags  []byte `json:"flags"`
}

func (StringInfo) Kind() string { return "string_info" }

// Channels 单元通道原始值
type Channels struct {
	String int      `json:"string"`
	MCT    int      `json:"mct"`
	Raw    []uint16 `json:"raw"`
}

func (Channels) Kind() string { return "channels" }

// Temp 按 RTD 格式解释第 i 路
func (c Channels) Temp(i int) int {
	if i < 0 || i >= len(c.Raw) {
		return 0
	}
	return DecodeRTD(c.Raw[i])
}

// Mirrors 单元两面镜子的跟踪状态与错误码
type Mirrors struct {
	String    int       `json:"string"`
	MCT       int       `json:"mct"`
	Track     [2]byte   `json:"track"`
	TrackName [2]string `json:"trackName,omitempty"`
	Error     byte      `json:"error"`
	ErrorName string    `json:"errorName,omitempty"`
}

func (Mirrors) Kind() string { return "mirrors" }

// Version 版本串
type Version struct {
	String int    `json:"string"`
	Text   string `json:"text"`
}

func (Version) Kind() string { return "version" }

// Clock SFC 实时时钟
type Clock struct {
	Time time.Time `json:"time"`
}

func (Clock) Kind() string { return "rtc" }

// SFCParam SFC 参数
type SFCParam struct {
	Num   byte  `json:"num"`
	Value int16 `json:"value"`
}

func (SFCParam) Kind() string { return "sfc_param" }

// MemoryDump 内存或 flash 片段
type MemoryDump struct {
	Addr uint16 `json:"addr"`
	Data []byte `json:"data"`
}

func (MemoryDump) Kind() string { return "memory" }

// Ack 无负载或负载不需解释的应答
type Ack struct {
	Cmd  byte   `json:"cmd"`
	Data []byte `json:"data,omitempty"`
}

func (Ack) Kind() string { return "ack" }

// ===== 总线层读数 =====

// Position 镜面位置或目标位置（千分之一度）
type Position struct {
	Mirror   byte  `json:"mirror"`
	MilliDeg int32 `json:"milliDeg"`
	Target   bool  `json:"target"`
}

func (p Position) Kind() string {
	if p.Target {
		return "target"
	}
	return "position"
}

// TrackState 跟踪模式应答
type TrackState struct {
	Mirror    byte   `json:"mirror"`
	Track     byte   `json:"track"`
	Error     byte   `json:"error"`
	TrackName string `json:"trackName,omitempty"`
	ErrorName string `json:"errorName,omitempty"`
}

func (TrackState) Kind() string { return "track" }

// Param MCT 参数
type Param struct {
	Num   byte   `json:"num"`
	Value int16  `json:"value"`
	Name  string `json:"name,omitempty"`
}

func (Param) Kind() string { return "param" }

// FlashSum 应用区校验（无负载表示仅确认）
type FlashSum struct {
	Present bool   `json:"present"`
	Sum     uint32 `json:"sum"`
}

func (FlashSum) Kind() string { return "flash_checksum" }

// Blank 空白检查结果
type Blank struct {
	Blank bool `json:"blank"`
}

func (Blank) Kind() string { return "blank_check" }

// BusReply GET_MCT485 取回的总线应答
type BusReply struct {
	Packet BusPacket `json:"-"`
	Unit   int       `json:"unit"`
	Slave  bool      `json:"slave"`
	Value  Reading   `json:"value"`
}

func (BusReply) Kind() string { return "bus" }

func lookupName(n Namer, f func(Namer) string) string {
	if n == nil {
		return ""
	}
	return f(n)
}

func malformed(level Level, cmd byte, n int) error {
	return fmt.Errorf("%w: %s len=%d", ErrMalformed, CommandName(level, cmd), n)
}

// Decode 按 USB 层应答码解码
func Decode(f Frame, n Namer) (Reading, error) {
	if err := f.Valid(); err != nil {
		return nil, err
	}
	cmd, d := f.Cmd(), f.Data()
	if _, ok := Lookup(LevelUSB, cmd); !ok || cmd&RespFlag == 0 {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, cmd)
	}
	if !ResponseLenOK(LevelUSB, cmd, len(d)) {
		return nil, malformed(LevelUSB, cmd, len(d))
	}
	u16 := func(i int) uint16 { return binary.BigEndian.Uint16(d[i:]) }

	switch cmd {
	case USBRespFieldState:
		fs := FieldStatus{State: d[0], Mode: d[1]}
		for i := range fs.Units {
			fs.Units[i] = int(d[2+i])
		}
		return fs, nil

	case USBRespGetFCE:
		return FCEIO{Inputs: u16(0), Outputs: u16(2)}, nil

	case USBRespGetRTU:
		r := RTU{Inputs: u16(0), Outputs: u16(2)}
		for i := range r.Analog {
			r.Analog[i] = u16(4 + 2*i)
		}
		return r, nil

	case USBRespDesiccant:
		return SFCClimate{TempDeci: DecodeRTD(u16(0)), HumidityDeci: int(u16(2)), Desiccant: d[4]}, nil

	case USBRespGetString:
		units := int(d[1])
		if units > MaxUnits || len(d) != 2+units {
			return nil, malformed(LevelUSB, cmd, len(d))
		}
		return StringInfo{String: int(d[0]), Units: units, Flags: append([]byte(nil), d[2:]...)}, nil

	case USBRespGetChan:
		cnt := int(d[1])
		if len(d) != 2+2*cnt {
			return nil, malformed(LevelUSB, cmd, len(d))
		}
		ch := Channels{String: f.StringNo(), MCT: int(d[0]), Raw: make([]uint16, cnt)}
		for i := range ch.Raw {
			ch.Raw[i] = u16(2 + 2*i)
		}
		return ch, nil

	case USBRespGetMirrors:
		m := Mirrors{String: f.StringNo(), MCT: int(f.MCTAddr() &^ HostFlag), Track: [2]byte{d[0], d[1]}, Error: d[2]}
		for i, code := range m.Track {
			m.TrackName[i] = lookupName(n, func(n Namer) string { return n.TrackName(code) })
		}
		m.ErrorName = lookupName(n, func(n Namer) string { return n.ErrorName(m.Error) })
		return m, nil

	case USBRespGetVString:
		return Version{String: f.StringNo(), Text: trimText(d)}, nil

	case USBRespRTC:
		return Clock{Time: time.Date(2000+int(d[0]), time.Month(d[1]), int(d[2]),
			int(d[3]), int(d[4]), int(d[5]), 0, time.Local)}, nil

	case USBRespSFCParam:
		return SFCParam{Num: d[0], Value: int16(u16(1))}, nil

	case USBRespMemory:
		if len(d) != 3+int(d[2]) {
			return nil, malformed(LevelUSB, cmd, len(d))
		}
		return MemoryDump{Addr: u16(0), Data: append([]byte(nil), d[3:]...)}, nil

	case USBRespGetMCT485:
		if len(d) == 0 {
			return nil, ErrNoReply
		}
		return DecodeBus(d, n)

	default:
		return Ack{Cmd: cmd, Data: append([]byte(nil), d...)}, nil
	}
}

// DecodeBus 解码 MCT 总线应答，FWD_TO_SLAVE 的应答继续解开从机子包
func DecodeBus(b []byte, n Namer) (Reading, error) {
	p, err := ParseBusPacket(b)
	if err != nil {
		return nil, err
	}
	level := LevelBus
	if p.IsSlave() {
		level = LevelSlave
	}
	if p.Cmd == MCTCmdFwdToSlave|RespFlag && len(p.Payload) >= MinBusPacket {
		inner, err := DecodeBus(p.Payload, n)
		if err != nil {
			return nil, err
		}
		if r, ok := inner.(BusReply); ok {
			r.Unit = p.Unit()
			return r, nil
		}
		return inner, nil
	}
	v, err := decodeBusPayload(level, p, n)
	if err != nil {
		return nil, err
	}
	return BusReply{Packet: p, Unit: p.Unit(), Slave: p.IsSlave(), Value: v}, nil
}

func decodeBusPayload(level Level, p BusPacket, n Namer) (Reading, error) {
	d := p.Payload
	if _, ok := Lookup(level, p.Cmd); !ok || p.Cmd&RespFlag == 0 {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, p.Cmd)
	}
	if !ResponseLenOK(level, p.Cmd, len(d)) {
		return nil, malformed(level, p.Cmd, len(d))
	}
	switch p.Cmd {
	case MCTRespPosn, MCTRespTarget:
		return Position{
			Mirror:   d[0],
			MilliDeg: int32(binary.BigEndian.Uint32(d[1:])),
			Target:   p.Cmd == MCTRespTarget,
		}, nil

	case MCTRespTrack:
		ts := TrackState{Mirror: d[0], Track: d[1], Error: d[2]}
		ts.TrackName = lookupName(n, func(n Namer) string { return n.TrackName(ts.Track) })
		ts.ErrorName = lookupName(n, func(n Namer) string { return n.ErrorName(ts.Error) })
		return ts, nil

	case MCTRespParam:
		pr := Param{Num: d[0], Value: int16(binary.BigEndian.Uint16(d[1:]))}
		pr.Name = lookupName(n, func(n Namer) string { return n.ParamName(pr.Num) })
		return pr, nil

	case MCTRespFlashCksum:
		switch len(d) {
		case 0:
			return FlashSum{}, nil
		case 4:
			return FlashSum{Present: true, Sum: binary.BigEndian.Uint32(d)}, nil
		}
		return nil, malformed(level, p.Cmd, len(d))

	case MCTRespBlankCheck:
		return Blank{Blank: d[0] != 0}, nil

	case MCTRespGetString:
		return Version{String: -1, Text: trimText(d)}, nil

	case MCTRespReadFlash:
		if len(d) != 3+int(d[2]) {
			return nil, malformed(level, p.Cmd, len(d))
		}
		return MemoryDump{Addr: binary.BigEndian.Uint16(d), Data: append([]byte(nil), d[3:]...)}, nil

	default:
		return Ack{Cmd: p.Cmd, Data: append([]byte(nil), d...)}, nil
	}
}

// trimText 版本串以 0 结尾或占满负载
func trimText(d []byte) string {
	for i, c := range d {
		if c == 0 {
			return string(d[:i])
		}
	}
	return string(d)
}
