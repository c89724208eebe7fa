package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// LogSink 把遥测写成结构化日志
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("telemetry")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) WriteMCT(_ context.Context, recs []MCTRecord) error {
	for _, r := range recs {
		fields := []zap.Field{
			zap.Time("at", r.At),
			zap.Int("string", r.String),
			zap.Int("mct", r.MCT),
			zap.Uint16s("channels", r.Channels),
			zap.Ints("temps", r.Temps),
		}
		for i, p := range r.Position {
			if p != nil {
				fields = append(fields, zap.Int32(mirrorKey("pos", i), p.MilliDeg))
			}
		}
		for i, p := range r.Target {
			if p != nil {
				fields = append(fields, zap.Int32(mirrorKey("target", i), p.MilliDeg))
			}
		}
		if r.Mirrors != nil {
			fields = append(fields, zap.Uint8("error", r.Mirrors.Error), zap.String("errorName", r.Mirrors.ErrorName))
		}
		s.log.Info("mct", fields...)
	}
	return nil
}

func (s *LogSink) WriteSFC(_ context.Context, r SFCRecord) error {
	fields := []zap.Field{zap.Time("at", r.At), zap.Ints("strings", r.Strings[:])}
	if r.Field != nil {
		fields = append(fields, zap.Uint8("state", r.Field.State), zap.Uint8("mode", r.Field.Mode))
	}
	if r.FCE != nil {
		fields = append(fields, zap.Uint16("fceIn", r.FCE.Inputs), zap.Uint16("fceOut", r.FCE.Outputs))
	}
	if r.RTU != nil {
		fields = append(fields, zap.Uint16("rtuIn", r.RTU.Inputs), zap.Uint16s("rtuAnalog", r.RTU.Analog[:]))
	}
	if r.Climate != nil {
		fields = append(fields, zap.Int("tempDeci", r.Climate.TempDeci), zap.Int("humidityDeci", r.Climate.HumidityDeci))
	}
	s.log.Info("sfc", fields...)
	return nil
}

func mirrorKey(prefix string, i int) string {
	if i == 0 {
		return prefix + "1"
	}
	return prefix + "2"
}
