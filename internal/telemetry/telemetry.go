package telemetry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
)

// MCTRecord 一个单元在一个轮询周期内的遥测
type MCTRecord struct {
	At       time.Time         `json:"at"`
	String   int               `json:"string"`
	MCT      int               `json:"mct"`
	Channels []uint16          `json:"channels,omitempty"`
	Temps    []int             `json:"temps,omitempty"`
	Position [2]*sfc.Position  `json:"position"`
	Target   [2]*sfc.Position  `json:"target"`
	Mirrors  *sfc.Mirrors      `json:"mirrors,omitempty"`
	Params   map[byte]int16    `json:"params,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Key 串/单元
func (r MCTRecord) Key() sfc.Target { return sfc.Target{String: r.String, MCT: r.MCT} }

// SFCRecord SFC 自身的遥测
type SFCRecord struct {
	At       time.Time              `json:"at"`
	Field    *sfc.FieldStatus       `json:"field,omitempty"`
	FCE      *sfc.FCEIO             `json:"fce,omitempty"`
	RTU      *sfc.RTU               `json:"rtu,omitempty"`
	Climate  *sfc.SFCClimate        `json:"climate,omitempty"`
	Strings  [sfc.MaxStrings]int    `json:"strings"`
	Versions [sfc.MaxStrings]string `json:"versions"`
}

// Sink 遥测输出
type Sink interface {
	Name() string
	WriteMCT(ctx context.Context, recs []MCTRecord) error
	WriteSFC(ctx context.Context, rec SFCRecord) error
}

// MultiSink 依次写入多个 Sink，汇总错误
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) WriteMCT(ctx context.Context, recs []MCTRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteMCT(ctx, recs); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteSFC(ctx context.Context, rec SFCRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteSFC(ctx, rec); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError 带 sink 名的写入错误
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }

// Snapshot 最新遥测快照
type Snapshot struct {
	UpdatedAt time.Time   `json:"updatedAt"`
	SFC       SFCRecord   `json:"sfc"`
	Units     []MCTRecord `json:"units"`
	DataValid bool        `json:"dataValid"`
}

// Store 最新快照，读多写少
type Store struct {
	mu        sync.RWMutex
	sfc       SFCRecord
	units     map[sfc.Target]MCTRecord
	updatedAt time.Time
	dataValid bool
}

func NewStore() *Store {
	return &Store{units: make(map[sfc.Target]MCTRecord)}
}

// UpdateSFC 替换 SFC 记录
func (s *Store) UpdateSFC(rec SFCRecord) {
	s.mu.Lock()
	s.sfc = rec
	s.updatedAt = rec.At
	s.mu.Unlock()
}

// UpdateMCT 替换单元记录
func (s *Store) UpdateMCT(rec MCTRecord) {
	s.mu.Lock()
	s.units[rec.Key()] = rec
	s.updatedAt = rec.At
	s.mu.Unlock()
}

// SetDataValid 标记全部单元已至少采集一轮
func (s *Store) SetDataValid(v bool) {
	s.mu.Lock()
	s.dataValid = v
	s.mu.Unlock()
}

// MCT 单元记录
func (s *Store) MCT(t sfc.Target) (MCTRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.units[t]
	return r, ok
}

// Snapshot 复制当前快照，单元按串号、地址排序
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{UpdatedAt: s.updatedAt, SFC: s.sfc, DataValid: s.dataValid, Units: make([]MCTRecord, 0, len(s.units))}
	for _, r := range s.units {
		out.Units = append(out.Units, r)
	}
	sort.Slice(out.Units, func(i, j int) bool {
		a, b := out.Units[i], out.Units[j]
		if a.String != b.String {
			return a.String < b.String
		}
		return a.MCT < b.MCT
	})
	return out
}
