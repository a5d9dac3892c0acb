package mod

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sigtrap/olah/conf"
	"github.com/sigtrap/olah/internal/logutil"
	"github.com/sigtrap/olah/metrics"
	xhttp "github.com/sigtrap/olah/pkg/x/http"
)

var log = logutil.NewHelper(nil)

func HandleAccessLog(opt *conf.ServerAccessLog, next http.HandlerFunc) http.HandlerFunc {
	if opt == nil || !opt.Enabled {
		log.Infof("access-log is turned off")
		return next
	}

	if opt.Path == "" {
		log.Warnf("access-log `path` is empty, will be written to stdout")
		return wrap(next)
	}

	logWriter := newAccessLog(opt.Path)

	return func(w http.ResponseWriter, req *http.Request) {
		fillRequest(req)
		req, _ = metrics.WithRequestMetric(req)

		recorder := xhttp.NewResponseRecorder(w)

		defer func() {
			logWriter.Info(string(WithNormalFields(req, recorder)))
		}()

		next(recorder, req)
	}
}

func newAccessLog(path string) *zap.Logger {
	// initialize log file path
	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	f := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     1,
		LocalTime:  true,
		Compress:   false,
	}

	cfg := zap.NewProductionConfig().EncoderConfig
	cfg.ConsoleSeparator = " "
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {}
	cfg.EncodeLevel = func(_ zapcore.Level, _ zapcore.PrimitiveArrayEncoder) {}

	logWriter := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	))

	return logWriter
}
