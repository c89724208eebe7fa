package sfc

// StreamDecoder 按 LEN 字节把串口字节流切分成帧。
// 没有帧头魔数，LEN 不可能（<7 或 >64）时丢弃一个字节重新同步。
type StreamDecoder struct {
	buf    []byte
	verify bool
}

// NewStreamDecoder verify 为 true 时校验失败也按失步处理
func NewStreamDecoder(verify bool) *StreamDecoder { return &StreamDecoder{verify: verify} }

// Feed 追加字节并返回已完整的帧。返回的帧不与内部缓冲共享内存。
func (d *StreamDecoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	var out []Frame
	for {
		if len(d.buf) <= OffLen {
			return out
		}
		total := int(d.buf[OffLen])
		if total < MinFrameSize || total > MaxFrameSize {
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < total {
			return out
		}
		if d.verify && VerifyChecksum(d.buf, 0, total-ChecksumSize) != nil {
			d.buf = d.buf[1:]
			continue
		}
		f := make(Frame, total)
		copy(f, d.buf[:total])
		out = append(out, f)
		d.buf = d.buf[total:]
		if len(d.buf) == 0 {
			d.buf = nil
			return out
		}
	}
}

// Buffered 尚未成帧的字节数
func (d *StreamDecoder) Buffered() int { return len(d.buf) }

// Reset 丢弃残留字节（设备重新枚举后调用）
func (d *StreamDecoder) Reset() { d.buf = nil }
