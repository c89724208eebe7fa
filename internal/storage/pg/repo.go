package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/sfc-host/internal/protocol/sfc"
	"github.com/taoyao-code/sfc-host/internal/telemetry"
)

// Repository 遥测归档，实现 telemetry.Sink
type Repository struct {
	Pool *pgxpool.Pool
}

var mctColumns = []string{
	"at", "string_no", "mct", "channels", "temps",
	"position1", "position2", "target1", "target2",
	"track1", "track2", "error_code", "params", "extra",
}

func (r *Repository) Name() string { return "postgres" }

// WriteMCT 一个记录周期的单元数据，COPY 批量写入
func (r *Repository) WriteMCT(ctx context.Context, recs []telemetry.MCTRecord) error {
	if len(recs) == 0 {
		return nil
	}
	n, err := r.Pool.CopyFrom(ctx, pgx.Identifier{"mct_samples"}, mctColumns,
		pgx.CopyFromSlice(len(recs), func(i int) ([]any, error) { return mctRow(recs[i]) }))
	if err != nil {
		return fmt.Errorf("copy mct_samples: %w", err)
	}
	if int(n) != len(recs) {
		return fmt.Errorf("copy mct_samples: wrote %d of %d rows", n, len(recs))
	}
	return nil
}

// WriteSFC 插入一条 SFC 记录
func (r *Repository) WriteSFC(ctx context.Context, rec telemetry.SFCRecord) error {
	const q = `INSERT INTO sfc_samples
               (at, state, mode, fce_inputs, fce_outputs, rtu_inputs, rtu_outputs, rtu_analog,
                temp_deci, humidity_deci, desiccant, units, versions)
               VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.Pool.Exec(ctx, q, sfcRow(rec)...)
	return err
}

// MCTHistory 单元自 since 起的记录，按时间倒序
func (r *Repository) MCTHistory(ctx context.Context, t sfc.Target, since time.Time, limit int) ([]telemetry.MCTRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT at, string_no, mct, channels, temps, position1, position2, target1, target2,
                      track1, track2, error_code, params, extra
               FROM mct_samples
               WHERE string_no = $1 AND mct = $2 AND at >= $3
               ORDER BY at DESC
               LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, t.String, t.MCT, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.MCTRecord
	for rows.Next() {
		var s mctScan
		if err := rows.Scan(&s.at, &s.str, &s.mct, &s.channels, &s.temps,
			&s.pos[0], &s.pos[1], &s.tgt[0], &s.tgt[1],
			&s.track[0], &s.track[1], &s.errCode, &s.params, &s.extra); err != nil {
			return nil, err
		}
		rec, err := s.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func mctRow(rec telemetry.MCTRecord) ([]any, error) {
	channels := make([]int32, len(rec.Channels))
	for i, v := range rec.Channels {
		channels[i] = int32(v)
	}
	temps := make([]int32, len(rec.Temps))
	for i, v := range rec.Temps {
		temps[i] = int32(v)
	}
	var track [2]*int16
	var errCode *int16
	if m := rec.Mirrors; m != nil {
		t0, t1, e := int16(m.Track[0]), int16(m.Track[1]), int16(m.Error)
		track = [2]*int16{&t0, &t1}
		errCode = &e
	}
	params, err := jsonOrNil(rec.Params)
	if err != nil {
		return nil, err
	}
	extra, err := jsonOrNil(rec.Extra)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.At, int16(rec.String), int16(rec.MCT), channels, temps,
		milliDeg(rec.Position[0]), milliDeg(rec.Position[1]), milliDeg(rec.Target[0]), milliDeg(rec.Target[1]),
		track[0], track[1], errCode, params, extra,
	}, nil
}

func sfcRow(rec telemetry.SFCRecord) []any {
	var (
		state, mode, desiccant       *int16
		fceIn, fceOut, rtuIn, rtuOut *int32
		temp, humidity               *int32
		analog                       []int32
	)
	if f := rec.Field; f != nil {
		s, m := int16(f.State), int16(f.Mode)
		state, mode = &s, &m
	}
	if f := rec.FCE; f != nil {
		i, o := int32(f.Inputs), int32(f.Outputs)
		fceIn, fceOut = &i, &o
	}
	if r := rec.RTU; r != nil {
		i, o := int32(r.Inputs), int32(r.Outputs)
		rtuIn, rtuOut = &i, &o
		for _, v := range r.Analog {
			analog = append(analog, int32(v))
		}
	}
	if c := rec.Climate; c != nil {
		t, h, d := int32(c.TempDeci), int32(c.HumidityDeci), int16(c.Desiccant)
		temp, humidity, desiccant = &t, &h, &d
	}
	units := make([]int32, len(rec.Strings))
	for i, n := range rec.Strings {
		units[i] = int32(n)
	}
	return []any{
		rec.At, state, mode, fceIn, fceOut, rtuIn, rtuOut, analog,
		temp, humidity, desiccant, units, rec.Versions[:],
	}
}

func milliDeg(p *sfc.Position) *int32 {
	if p == nil {
		return nil
	}
	v := p.MilliDeg
	return &v
}

func jsonOrNil[M ~map[K]V, K comparable, V any](m M) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

type mctScan struct {
	at       time.Time
	str, mct int16
	channels []int32
	temps    []int32
	pos, tgt [2]*int32
	track    [2]*int16
	errCode  *int16
	params   []byte
	extra    []byte
}

func (s mctScan) record() (telemetry.MCTRecord, error) {
	rec := telemetry.MCTRecord{At: s.at, String: int(s.str), MCT: int(s.mct)}
	for _, v := range s.channels {
		rec.Channels = append(rec.Channels, uint16(v))
	}
	for _, v := range s.temps {
		rec.Temps = append(rec.Temps, int(v))
	}
	mirrors := [2]byte{sfc.Mirror1, sfc.Mirror2}
	for i := range 2 {
		if v := s.pos[i]; v != nil {
			rec.Position[i] = &sfc.Position{Mirror: mirrors[i], MilliDeg: *v}
		}
		if v := s.tgt[i]; v != nil {
			rec.Target[i] = &sfc.Position{Mirror: mirrors[i], MilliDeg: *v, Target: true}
		}
	}
	if s.track[0] != nil && s.track[1] != nil && s.errCode != nil {
		rec.Mirrors = &sfc.Mirrors{
			String: rec.String,
			MCT:    rec.MCT,
			Track:  [2]byte{byte(*s.track[0]), byte(*s.track[1])},
			Error:  byte(*s.errCode),
		}
	}
	if len(s.params) > 0 {
		if err := json.Unmarshal(s.params, &rec.Params); err != nil {
			return rec, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(s.extra) > 0 {
		if err := json.Unmarshal(s.extra, &rec.Extra); err != nil {
			return rec, fmt.Errorf("decode extra: %w", err)
		}
	}
	return rec, nil
}
