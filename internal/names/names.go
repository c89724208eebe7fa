package names

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamDef MCT 参数定义
type ParamDef struct {
	Num        byte   `yaml:"value" json:"num"`
	Name       string `yaml:"name" json:"name"`
	Default    int16  `yaml:"default" json:"default"`
	HasDefault bool   `yaml:"-" json:"hasDefault"`
}

// LogChannel 需要记录的通道
type LogChannel struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Tables 名称表：参数、跟踪模式、错误码、日志通道
type Tables struct {
	params map[byte]ParamDef
	tracks map[byte]string
	errs   map[byte]string
	logs   []LogChannel
}

// New 空表
func New() *Tables {
	return &Tables{
		params: make(map[byte]ParamDef),
		tracks: make(map[byte]string),
		errs:   make(map[byte]string),
	}
}

// Load 按扩展名选择 YAML 或行文本格式
func Load(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open name table: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	default:
		return Parse(f)
	}
}

// Parse 解析行文本：# 开头为注释，记录形如 "PARAM name,value[,default]"
func Parse(r io.Reader) (*Tables, error) {
	t := New()
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		kind, rest, ok := strings.Cut(s, " ")
		if !ok {
			continue
		}
		fields := strings.Split(strings.TrimSpace(rest), ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if err := t.add(strings.ToUpper(kind), fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan name table: %w", err)
	}
	return t, nil
}

func (t *Tables) add(kind string, f []string) error {
	switch kind {
	case "PARAM", "TRACK", "LOG", "ERROR":
	default:
		// 未知记录忽略
		return nil
	}
	if len(f) < 2 || f[0] == "" {
		return fmt.Errorf("%s: want name,value", kind)
	}
	v, err := strconv.ParseUint(f[1], 0, 8)
	if err != nil {
		return fmt.Errorf("%s %s: bad value %q", kind, f[0], f[1])
	}
	code := byte(v)

	switch kind {
	case "PARAM":
		p := ParamDef{Num: code, Name: f[0]}
		if len(f) > 2 && f[2] != "" {
			d, err := strconv.ParseInt(f[2], 0, 16)
			if err != nil {
				return fmt.Errorf("PARAM %s: bad default %q", f[0], f[2])
			}
			p.Default, p.HasDefault = int16(d), true
		}
		t.params[code] = p
	case "TRACK":
		t.tracks[code] = f[0]
	case "ERROR":
		t.errs[code] = f[0]
	case "LOG":
		t.logs = append(t.logs, LogChannel{Index: int(code), Name: f[0]})
	}
	return nil
}

type yamlEntry struct {
	Name    string `yaml:"name"`
	Value   int    `yaml:"value"`
	Default *int   `yaml:"default"`
}

type yamlFile struct {
	Params []yamlEntry `yaml:"params"`
	Tracks []yamlEntry `yaml:"tracks"`
	Errors []yamlEntry `yaml:"errors"`
	Log    []yamlEntry `yaml:"log"`
}

// ParseYAML 解析 YAML 格式的名称表
func ParseYAML(r io.Reader) (*Tables, error) {
	var doc yamlFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("unmarshal name table: %w", err)
	}
	t := New()
	for _, group := range []struct {
		kind    string
		entries []yamlEntry
	}{
		{"PARAM", doc.Params}, {"TRACK", doc.Tracks}, {"ERROR", doc.Errors}, {"LOG", doc.Log},
	} {
		for _, e := range group.entries {
			f := []string{e.Name, strconv.Itoa(e.Value)}
			if e.Default != nil {
				f = append(f, strconv.Itoa(*e.Default))
			}
			if err := t.add(group.kind, f); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// TrackName 跟踪模式名，未知返回空串
func (t *Tables) TrackName(code byte) string {
	if t == nil {
		return ""
	}
	return t.tracks[code]
}

// ErrorName 错误码名
func (t *Tables) ErrorName(code byte) string {
	if t == nil {
		return ""
	}
	return t.errs[code]
}

// ParamName 参数名
func (t *Tables) ParamName(num byte) string {
	if t == nil {
		return ""
	}
	return t.params[num].Name
}

// Param 按编号查参数定义
func (t *Tables) Param(num byte) (ParamDef, bool) {
	if t == nil {
		return ParamDef{}, false
	}
	p, ok := t.params[num]
	return p, ok
}

// Params 按编号排序的全部参数
func (t *Tables) Params() []ParamDef {
	if t == nil {
		return nil
	}
	out := make([]ParamDef, 0, len(t.params))
	for _, p := range t.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// LogChannels 按文件顺序的日志通道
func (t *Tables) LogChannels() []LogChannel {
	if t == nil {
		return nil
	}
	return append([]LogChannel(nil), t.logs...)
}

// LogChannel 第 idx 个日志通道
func (t *Tables) LogChannel(idx int) (LogChannel, bool) {
	if t == nil || idx < 0 || idx >= len(t.logs) {
		return LogChannel{}, false
	}
	return t.logs[idx], true
}
