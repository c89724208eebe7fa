package firmware

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedRecord 固件文件中的记录无法解析
var ErrMalformedRecord = errors.New("malformed s-record")

// minRecordLen "S1" + 长度 + 地址 + 校验，共 10 个字符
const minRecordLen = 10

// Record 一条 S1 数据记录
type Record struct {
	Line    int
	Address uint16
	Data    []byte
}

// Reader 逐行读取 Motorola S-record，只返回 S1 数据记录
type Reader struct {
	sc   *bufio.Scanner
	line int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{sc: bufio.NewScanner(r)}
}

// Next 下一条 S1 记录，读完返回 io.EOF
func (r *Reader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++
		s := strings.TrimSpace(r.sc.Text())
		if s == "" {
			continue
		}
		rec, ok, err := ParseRecord(s)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		if !ok {
			continue
		}
		rec.Line = r.line
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, fmt.Errorf("read image: %w", err)
	}
	return Record{}, io.EOF
}

// ReadAll 读取全部 S1 记录
func ReadAll(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// Count 预扫描 S1 记录数，用于进度显示
func Count(r io.Reader) (int, error) {
	recs, err := ReadAll(r)
	return len(recs), err
}

// ParseRecord 解析一行。S0/S5/S9 返回 ok=false，其余非 S1 类型报错。
func ParseRecord(line string) (rec Record, ok bool, err error) {
	if len(line) < minRecordLen || line[0] != 'S' {
		return Record{}, false, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	switch line[1] {
	case '0', '5', '9':
		return Record{}, false, nil
	case '1':
	default:
		return Record{}, false, fmt.Errorf("%w: unsupported type S%c", ErrMalformedRecord, line[1])
	}

	raw, err := hex.DecodeString(line[2:])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	count := int(raw[0])
	if count < 3 || len(raw) != 1+count {
		return Record{}, false, fmt.Errorf("%w: count 0x%02X for %d bytes", ErrMalformedRecord, count, len(raw)-1)
	}
	var sum byte
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	if want := ^sum; raw[len(raw)-1] != want {
		return Record{}, false, fmt.Errorf("%w: checksum 0x%02X want 0x%02X", ErrMalformedRecord, raw[len(raw)-1], want)
	}
	return Record{
		Address: uint16(raw[1])<<8 | uint16(raw[2]),
		Data:    bytes.Clone(raw[3 : len(raw)-1]),
	}, true, nil
}

// split 把超过单帧容量的记录拆成多段
func split(recs []Record, limit int) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		addr, data := r.Address, r.Data
		for len(data) > limit {
			out = append(out, Record{Line: r.Line, Address: addr, Data: data[:limit]})
			addr += uint16(limit)
			data = data[limit:]
		}
		out = append(out, Record{Line: r.Line, Address: addr, Data: data})
	}
	return out
}
