package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 全局 Logger 实例，Init 之前为 Nop
var Log = zap.NewNop()

// Init 初始化日志组件
// serviceName: 服务名称，写入每条日志的 service 字段
// level: debug / info / warn / error，非法值按 info 处理
// logFile: 为空时只输出到控制台
func Init(serviceName, level, logFile string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if logFile != "" {
		// 文件打不开时只输出到控制台，不中断启动
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(f))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		zapLevel,
	)
	Log = zap.New(core, zap.AddCaller()).With(zap.String("service", serviceName))
	return Log
}

// OrNop 组件构造函数允许传 nil logger
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Sync 刷新缓冲区，main 里 defer 调用
func Sync() {
	_ = Log.Sync()
}
